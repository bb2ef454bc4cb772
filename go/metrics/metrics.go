// Package metrics provides convenience functions for recording application
// metrics, backed by Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.doozer.org/infra/go/dlog"
)

// Int64Metric is a metric which reports an int64 value.
type Int64Metric interface {
	// Get returns the current value of the metric.
	Get() int64

	// Update adds a data point to the metric.
	Update(v int64)

	// Delete removes the metric from its configured backend.
	Delete() error
}

// Float64Metric is a metric which reports a float64 value.
type Float64Metric interface {
	// Get returns the current value of the metric.
	Get() float64

	// Update adds a data point to the metric.
	Update(v float64)

	// Delete removes the metric from its configured backend.
	Delete() error
}

// Float64SummaryMetric is a metric which reports a summary of many float64
// values.
type Float64SummaryMetric interface {
	// Observe adds a data point to the metric.
	Observe(v float64)
}

// Counter is a metric which reports a value which can be incremented and
// decremented.
type Counter interface {
	// Dec decrements the counter by the given quantity.
	Dec(i int64)

	// Delete removes the counter from its configured backend.
	Delete() error

	// Get returns the current value of the counter.
	Get() int64

	// Inc increments the counter by the given quantity.
	Inc(i int64)

	// Reset sets the counter to zero.
	Reset()
}

// Liveness keeps a time-since-last-successful-update metric.
//
// The unit of the metric is in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully. Every liveness metric should have a corresponding
// alert set up that will fire if the time-since-last-successful-update metric
// gets too large.
type Liveness interface {
	// Get returns the current value of the Liveness.
	Get() int64

	// ManualReset sets the last-successful-update time of the Liveness to a
	// specific value. Useful for tracking processes whose lifetimes are
	// outside of that of the current process, but should not be needed in
	// most cases.
	ManualReset(lastSuccessfulUpdate time.Time)

	// Reset should be called when some work has been successfully completed.
	Reset()

	// Close stops the background goroutine which updates the Liveness.
	Close()
}

// Timer is a struct used for measuring elapsed time. Unlike the other
// metrics helpers, Timer does not continuously report data; instead, it
// reports a single data point when Stop() is called.
type Timer interface {
	// Start starts or resets the timer.
	Start()

	// Stop stops the timer and reports the elapsed time.
	Stop() time.Duration
}

// Client represents a set of metrics.
type Client interface {
	// Flush pushes any queued data immediately. Long running apps shouldn't
	// worry about this as Client will auto-push.
	Flush() error

	// GetCounter creates or retrieves a Counter with the given name and tag
	// set and returns it.
	GetCounter(name string, tags ...map[string]string) Counter

	// GetFloat64Metric creates or retrieves a Float64Metric with the given
	// name and tag set and returns it.
	GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric

	// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric
	// with the given name and tag set and returns it.
	GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric

	// GetInt64Metric creates or retrieves an Int64Metric with the given name
	// and tag set and returns it.
	GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric

	// NewLiveness creates a new Liveness metric helper.
	NewLiveness(name string, tags ...map[string]string) Liveness

	// NewTimer creates and returns a new started timer.
	NewTimer(name string, tags ...map[string]string) Timer
}

var defaultClient Client = newPromClient()

// GetDefaultClient returns the default Client.
func GetDefaultClient() Client {
	return defaultClient
}

// GetInt64Metric returns an Int64Metric instance using the default client.
func GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	return defaultClient.GetInt64Metric(measurement, tags...)
}

// GetFloat64Metric returns a Float64Metric instance using the default client.
func GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric {
	return defaultClient.GetFloat64Metric(measurement, tags...)
}

// GetFloat64SummaryMetric returns a Float64SummaryMetric instance using the
// default client.
func GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric {
	return defaultClient.GetFloat64SummaryMetric(measurement, tags...)
}

// GetCounter returns a Counter instance using the default client.
func GetCounter(name string, tags ...map[string]string) Counter {
	return defaultClient.GetCounter(name, tags...)
}

// NewLiveness creates a new Liveness metric helper using the default client.
func NewLiveness(name string, tags ...map[string]string) Liveness {
	return defaultClient.NewLiveness(name, tags...)
}

// NewTimer creates and returns a new Timer using the default client.
func NewTimer(name string, tags ...map[string]string) Timer {
	return defaultClient.NewTimer(name, tags...)
}

// InitPrometheus initializes metrics to be reported to Prometheus.
//
// port - string, the port on which to serve the metrics, e.g. ":20000".
func InitPrometheus(port string) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	go func() {
		dlog.Fatal(http.ListenAndServe(port, r))
	}()
}
