// Package uploader ships build artifacts to the buildmaster while the build
// keeps running. Artifacts pass through a two-stage pipeline per job:
// processors checksum and optionally gzip, transfers upload. A failed upload
// aborts everything still in flight for the job.
package uploader

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"sync"
	"sync/atomic"

	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"go.doozer.org/infra/go/derr"
)

const (
	numProcessors = 2
	numTransfers  = 2

	// defaultContentType is used when the build does not name one.
	defaultContentType = "text/plain; charset=utf-8"
)

// Artifact is one upload. The checksums describe the content before any
// encoding, so equal payloads dedupe regardless of compression.
type Artifact struct {
	Type        string
	Name        string
	ContentType string
	Encoding    string
	MD5         string
	SHA1        string
	OrigSize    int64
	Data        []byte

	compress bool
}

// Putter uploads one processed artifact. The agent RPC client implements it.
type Putter interface {
	Put(ctx context.Context, a *Artifact) error
}

// Queue is the per-job upload pipeline. Add and AddFile enqueue, Wait drains.
// Add must not be called after Wait.
type Queue struct {
	put  Putter
	logf func(format string, args ...interface{})

	procCh chan *Artifact
	xferCh chan *Artifact
	procWG sync.WaitGroup
	grp    *errgroup.Group
	gctx   context.Context

	pending int32
	change  chan struct{}

	mtx  sync.Mutex
	errs *multierror.Error
}

// NewQueue starts the pipeline for one job. logf receives progress lines in
// the job's log context.
func NewQueue(ctx context.Context, put Putter, logf func(format string, args ...interface{})) *Queue {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	grp, gctx := errgroup.WithContext(ctx)
	q := &Queue{
		put:    put,
		logf:   logf,
		procCh: make(chan *Artifact, 16),
		xferCh: make(chan *Artifact, 16),
		grp:    grp,
		gctx:   gctx,
		change: make(chan struct{}, 1),
	}
	q.procWG.Add(numProcessors)
	for i := 0; i < numProcessors; i++ {
		go q.process()
	}
	for i := 0; i < numTransfers; i++ {
		grp.Go(q.transfer)
	}
	return q
}

// Add queues one in-memory artifact. An empty contentType defaults to plain
// text, compress asks for gzip before upload.
func (q *Queue) Add(typ, name, contentType string, data []byte, compress bool) {
	if contentType == "" {
		contentType = defaultContentType
	}
	q.logf("Artifact %s (%d bytes) added to queue", name, len(data))
	atomic.AddInt32(&q.pending, 1)
	a := &Artifact{
		Type:        typ,
		Name:        name,
		ContentType: contentType,
		Data:        data,
		compress:    compress,
	}
	select {
	case q.procCh <- a:
	case <-q.gctx.Done():
		// The job already failed an upload, nothing more will be sent.
		atomic.AddInt32(&q.pending, -1)
	}
}

// AddFile queues the contents of a file.
func (q *Queue) AddFile(typ, name, contentType, path string, compress bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return derr.Fmt("Unable to open %s -- %s", path, err)
	}
	q.Add(typ, name, contentType, data, compress)
	return nil
}

// Wait closes the queue and blocks until every artifact has settled. While
// uploads are still draining, report is invoked with the number outstanding
// so the caller can keep the coordinator informed. The returned error
// collects every failed upload.
func (q *Queue) Wait(report func(pending int)) error {
	close(q.procCh)
	go func() {
		q.procWG.Wait()
		close(q.xferCh)
	}()
	done := make(chan error, 1)
	go func() {
		done <- q.grp.Wait()
	}()
	for {
		if n := int(atomic.LoadInt32(&q.pending)); n > 0 && report != nil {
			report(n)
		}
		select {
		case err := <-done:
			if err == nil {
				return nil
			}
			q.mtx.Lock()
			defer q.mtx.Unlock()
			return q.errs.ErrorOrNil()
		case <-q.change:
		}
	}
}

func (q *Queue) notify() {
	select {
	case q.change <- struct{}{}:
	default:
	}
}

func (q *Queue) process() {
	defer q.procWG.Done()
	for a := range q.procCh {
		s := sha1.Sum(a.Data)
		a.SHA1 = hex.EncodeToString(s[:])
		m := md5.Sum(a.Data)
		a.MD5 = hex.EncodeToString(m[:])
		q.logf("Artifact %s SHA1:%s MD5:%s", a.Name, a.SHA1, a.MD5)

		if a.compress {
			// A failed compression falls back to the plain payload.
			if zipped, err := gzipBytes(a.Data); err == nil {
				q.logf("Artifact %s compressed from %d to %d bytes",
					a.Name, len(a.Data), len(zipped))
				a.OrigSize = int64(len(a.Data))
				a.Data = zipped
				a.Encoding = "gzip"
			}
		}

		select {
		case q.xferCh <- a:
		case <-q.gctx.Done():
			return
		}
	}
}

func (q *Queue) transfer() error {
	for a := range q.xferCh {
		actx, cancel := context.WithCancel(q.gctx)
		err := q.put.Put(actx, a)
		cancel()
		atomic.AddInt32(&q.pending, -1)
		q.notify()
		if err != nil {
			err = derr.Wrapf(err, "Unable to upload %s", a.Name)
			q.mtx.Lock()
			q.errs = multierror.Append(q.errs, err)
			q.mtx.Unlock()
			return err
		}
		q.logf("Artifact %s uploaded: OK", a.Name)
	}
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
