// Package client implements the agent side of the buildmaster RPC: hello,
// long-polled job claims, status reports and artifact uploads. All calls go
// to <url>/buildmaster/ with the agent id and secret as basic auth.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/httputils"
	"go.doozer.org/infra/go/util"
)

// reportRetryDelay separates delivery attempts for status reports.
var reportRetryDelay = 3 * time.Second

// Job is one unit of work claimed from the buildmaster.
type Job struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	Revision  string `json:"revision"`
	Target    string `json:"target"`
	JobSecret string `json:"jobsecret"`
	Project   string `json:"project"`
	Repo      string `json:"repo"`
	Version   string `json:"version"`
	NoOutput  bool   `json:"no_output"`
}

// CanTempFail reports whether the job carries enough identity for the
// buildmaster to requeue it. Without an id and jobsecret a temporary failure
// cannot be reported, only a permanent one.
func (j *Job) CanTempFail() bool {
	return j.ID != 0 && j.JobSecret != ""
}

// Client talks to one buildmaster on behalf of one agent. It is safe for
// concurrent use.
type Client struct {
	base    string
	agentID string
	secret  string
	client  *http.Client
}

// New returns a client for the buildmaster at baseURL, the service address
// without the /buildmaster/ suffix. The underlying HTTP client carries no
// request timeout since job claims long-poll and uploads can be large;
// callers bound individual calls with their context.
func New(baseURL, agentID, secret string) *Client {
	return &Client{
		base:    strings.TrimRight(baseURL, "/") + "/buildmaster/",
		agentID: agentID,
		secret:  secret,
		client:  httputils.NewConfiguredTimeoutClient(httputils.DIAL_TIMEOUT, 0),
	}
}

// SetHTTPClient replaces the underlying HTTP client. Call before any RPC,
// tests use it to inject mock transports.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.client = client
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, derr.Wrap(err)
	}
	req.SetBasicAuth(c.agentID, c.secret)
	return req, nil
}

// Hello verifies the agent credentials against the buildmaster.
func (c *Client) Hello(ctx context.Context) error {
	req, err := c.newRequest(ctx, "GET", "hello", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return derr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return derr.Fmt("hello: HTTP Error %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return derr.Wrap(err)
	}
	if strings.TrimSpace(string(body)) != "welcome" {
		return derr.Fmt("hello: unexpected reply %q", strings.TrimSpace(string(body)))
	}
	return nil
}

// GetJob long-polls the claim endpoint for the given targets. A nil job with
// a nil error means the poll ended with nothing to do.
func (c *Client) GetJob(ctx context.Context, targets []string) (*Job, error) {
	q := url.Values{}
	q.Set("targets", strings.Join(targets, ","))
	req, err := c.newRequest(ctx, "GET", "getjob", q, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, derr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, derr.Fmt("getjob: HTTP Error %d", resp.StatusCode)
	}
	j := &Job{}
	if err := json.NewDecoder(resp.Body).Decode(j); err != nil {
		return nil, derr.Wrapf(err, "getjob: undecodable reply")
	}
	if j.Type != "build" {
		return nil, nil
	}
	return j, nil
}

// Report delivers one status update for a job. Losing a report orphans the
// build until the reaper expires it, so transport errors and 5xx answers are
// retried forever 3 s apart. A 4xx answer means the buildmaster refused the
// job itself and retrying cannot help.
func (c *Client) Report(ctx context.Context, jobID int64, jobSecret, status, msg string) error {
	for {
		retry, err := c.reportOnce(ctx, jobID, jobSecret, status, msg)
		if err == nil || !retry {
			return err
		}
		dlog.Errorf("Unable to report status '%s' -- %s. Retrying", status, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reportRetryDelay):
		}
	}
}

func (c *Client) reportOnce(ctx context.Context, jobID int64, jobSecret, status, msg string) (bool, error) {
	q := url.Values{}
	q.Set("jobid", strconv.FormatInt(jobID, 10))
	q.Set("jobsecret", jobSecret)
	q.Set("status", status)
	q.Set("msg", msg)
	req, err := c.newRequest(ctx, "GET", "report", q, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return true, derr.Wrap(err)
	}
	defer util.Close(resp.Body)
	switch {
	case resp.StatusCode == http.StatusOK:
		return false, nil
	case resp.StatusCode >= 500:
		return true, derr.Fmt("HTTP Error %d", resp.StatusCode)
	default:
		return false, derr.Fmt("HTTP Error %d", resp.StatusCode)
	}
}

// Artifact is the metadata accompanying one artifact upload.
type Artifact struct {
	JobID       int64
	JobSecret   string
	Type        string
	Name        string
	ContentType string
	Encoding    string
	MD5         string
	SHA1        string
	OrigSize    int64
	Data        []byte
}

// PutArtifact uploads one artifact body. The checksums describe the logical
// content, before any gzip encoding. The request body is rewindable so the
// buildmaster's 307 redirect to object storage re-sends it.
func (c *Client) PutArtifact(ctx context.Context, a *Artifact) error {
	q := url.Values{}
	q.Set("jobid", strconv.FormatInt(a.JobID, 10))
	q.Set("jobsecret", a.JobSecret)
	q.Set("type", a.Type)
	q.Set("name", a.Name)
	q.Set("md5sum", a.MD5)
	q.Set("sha1sum", a.SHA1)
	if a.OrigSize > 0 {
		q.Set("origsize", strconv.FormatInt(a.OrigSize, 10))
	}
	req, err := c.newRequest(ctx, "PUT", "artifact", q, bytes.NewReader(a.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", a.ContentType)
	if a.Encoding != "" {
		req.Header.Set("Content-Encoding", a.Encoding)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return derr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return derr.Fmt("HTTP Error %d", resp.StatusCode)
	}
	return nil
}
