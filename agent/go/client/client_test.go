package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

func TestHello(t *testing.T) {
	var gotPath, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		_, _ = w.Write([]byte("welcome\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "agent1", "sauce")
	assert.NoError(t, c.Hello(context.Background()))
	assert.Equal(t, "/buildmaster/hello", gotPath)
	assert.Equal(t, "agent1", gotUser)
	assert.Equal(t, "sauce", gotPass)
}

func TestHelloRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown agent", http.StatusForbidden)
	}))
	defer srv.Close()

	err := New(srv.URL, "agent1", "wrong").Hello(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP Error 403")
}

func TestHelloUnexpectedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("go away\n"))
	}))
	defer srv.Close()

	err := New(srv.URL, "agent1", "sauce").Hello(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected reply")
}

func TestGetJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/buildmaster/getjob", r.URL.Path)
		assert.Equal(t, "linux-x64,darwin", r.URL.Query().Get("targets"))
		assert.Contains(t, r.Header.Get("Accept"), "application/json")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"build","id":42,"revision":"abc","target":"linux-x64",` +
			`"jobsecret":"s3cr3t","project":"acme/widget","repo":"https://github.com/acme/widget",` +
			`"version":"2.0.3","no_output":true}` + "\n"))
	}))
	defer srv.Close()

	j, err := New(srv.URL, "agent1", "sauce").GetJob(context.Background(), []string{"linux-x64", "darwin"})
	assert.NoError(t, err)
	assert.NotNil(t, j)
	assert.Equal(t, int64(42), j.ID)
	assert.Equal(t, "acme/widget", j.Project)
	assert.Equal(t, "2.0.3", j.Version)
	assert.True(t, j.NoOutput)
	assert.True(t, j.CanTempFail())
}

func TestGetJobNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"none"}` + "\n"))
	}))
	defer srv.Close()

	j, err := New(srv.URL, "agent1", "sauce").GetJob(context.Background(), []string{"linux-x64"})
	assert.NoError(t, err)
	assert.Nil(t, j)
}

func TestReportRetriesServerErrors(t *testing.T) {
	old := reportRetryDelay
	reportRetryDelay = time.Millisecond
	defer func() { reportRetryDelay = old }()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/buildmaster/report", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("jobid"))
		assert.Equal(t, "s3cr3t", r.URL.Query().Get("jobsecret"))
		assert.Equal(t, "building", r.URL.Query().Get("status"))
		assert.Equal(t, "GIT: Checked out abc", r.URL.Query().Get("msg"))
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "db down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "agent1", "sauce")
	assert.NoError(t, c.Report(context.Background(), 42, "s3cr3t", "building", "GIT: Checked out abc"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestReportStopsOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "invalid jobsecret", http.StatusForbidden)
	}))
	defer srv.Close()

	err := New(srv.URL, "agent1", "sauce").Report(context.Background(), 42, "wrong", "done", "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP Error 403")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPutArtifact(t *testing.T) {
	payload := []byte("gzipped bytes here")

	var s3Body []byte
	s3 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		s3Body, err = io.ReadAll(r.Body)
		assert.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer s3.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PUT", r.Method)
		assert.Equal(t, "/buildmaster/artifact", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "42", q.Get("jobid"))
		assert.Equal(t, "s3cr3t", q.Get("jobsecret"))
		assert.Equal(t, "buildlog", q.Get("type"))
		assert.Equal(t, "buildlog", q.Get("name"))
		assert.Equal(t, "deadbeef", q.Get("md5sum"))
		assert.Equal(t, "cafebabe", q.Get("sha1sum"))
		assert.Equal(t, "123", q.Get("origsize"))
		assert.Equal(t, "text/plain; charset=utf-8", r.Header.Get("Content-Type"))
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		http.Redirect(w, r, s3.URL+"/put/cafebabe", http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	c := New(srv.URL, "agent1", "sauce")
	err := c.PutArtifact(context.Background(), &Artifact{
		JobID:       42,
		JobSecret:   "s3cr3t",
		Type:        "buildlog",
		Name:        "buildlog",
		ContentType: "text/plain; charset=utf-8",
		Encoding:    "gzip",
		MD5:         "deadbeef",
		SHA1:        "cafebabe",
		OrigSize:    123,
		Data:        payload,
	})
	assert.NoError(t, err)
	assert.Equal(t, payload, s3Body)
}

func TestPutArtifactError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "job not building", http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	err := New(srv.URL, "agent1", "sauce").PutArtifact(context.Background(), &Artifact{
		JobID: 1, JobSecret: "x", Type: "bin", Name: "b", MD5: "m", SHA1: "s", Data: []byte("x"),
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP Error 412")
}
