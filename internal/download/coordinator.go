// Package download drives single-artifact transfers into the models
// directory, reporting fractional progress as bytes arrive.
package download

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/common/fsutil"
)

// TaskState is the lifecycle of the single download slot.
type TaskState string

const (
	TaskIdle       TaskState = "idle"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Task is a read-only snapshot of the current (or last) transfer.
type Task struct {
	Filename string
	Source   string
	Progress float64
	State    TaskState
}

// Coordinator performs one artifact transfer at a time. A second Fetch while
// one is running fails with a busy error; callers reject rather than queue.
type Coordinator struct {
	dir    string
	client *http.Client
	log    zerolog.Logger

	slot chan struct{} // size 1: single in-flight transfer

	mu   sync.Mutex
	task Task
}

// NewCoordinator builds a Coordinator writing into dir.
func NewCoordinator(dir string, log zerolog.Logger) *Coordinator {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// No client timeout: transfers are long-lived and bounded by ctx.
	return &Coordinator{
		dir:    dir,
		client: &http.Client{Transport: tr, Timeout: 0},
		log:    log.With().Str("component", "download").Logger(),
		slot:   make(chan struct{}, 1),
	}
}

// Active reports whether a transfer is currently in flight.
func (c *Coordinator) Active() bool {
	return len(c.slot) > 0
}

// Snapshot returns the current task view.
func (c *Coordinator) Snapshot() Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task
}

func (c *Coordinator) setTask(t Task) {
	c.mu.Lock()
	c.task = t
	c.mu.Unlock()
}

func (c *Coordinator) setProgress(p float64) {
	c.mu.Lock()
	if p > c.task.Progress {
		c.task.Progress = p
	}
	c.mu.Unlock()
}

// Fetch transfers srcURL into the models directory under filename. If the
// destination file already exists it short-circuits without transferring and
// without invoking onProgress; skipped is true in that case. onProgress
// receives monotonically non-decreasing fractions in [0,1]. A failed
// transfer leaves any partial file in place; the bytes are untrustworthy
// until re-verified.
func (c *Coordinator) Fetch(ctx context.Context, filename, srcURL string, onProgress func(float64)) (path string, skipped bool, err error) {
	select {
	case c.slot <- struct{}{}:
	default:
		return "", false, busyError{}
	}
	defer func() { <-c.slot }()

	dir, err := fsutil.ExpandHome(c.dir)
	if err != nil {
		return "", false, err
	}
	dest := filepath.Join(dir, filename)

	if fsutil.PathExists(dest) {
		c.log.Info().Str("file", filename).Msg("artifact already present, skipping transfer")
		c.setTask(Task{Filename: filename, Source: srcURL, Progress: 1, State: TaskCompleted})
		return dest, true, nil
	}

	c.setTask(Task{Filename: filename, Source: srcURL, State: TaskInProgress})
	c.log.Info().Str("file", filename).Str("url", srcURL).Msg("transfer start")
	start := time.Now()

	if err := c.transfer(ctx, dest, srcURL, onProgress); err != nil {
		c.mu.Lock()
		c.task.State = TaskFailed
		c.mu.Unlock()
		c.log.Error().Err(err).Str("file", filename).Msg("transfer failed")
		return "", false, err
	}

	c.mu.Lock()
	c.task.State = TaskCompleted
	c.task.Progress = 1
	c.mu.Unlock()
	c.log.Info().Str("file", filename).Dur("dur", time.Since(start)).Msg("transfer complete")
	return dest, false, nil
}

func (c *Coordinator) transfer(ctx context.Context, dest, srcURL string, onProgress func(float64)) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return ErrDownloadFailed(fmt.Sprintf("create models dir: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return ErrDownloadFailed(fmt.Sprintf("build request: %v", err))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ErrDownloadFailed(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrDownloadFailed(fmt.Sprintf("unexpected status %s from source", resp.Status))
	}

	f, err := os.Create(dest)
	if err != nil {
		return ErrDownloadFailed(fmt.Sprintf("create destination: %v", err))
	}
	defer f.Close()

	report := func(frac float64) {
		c.setProgress(frac)
		if onProgress != nil {
			onProgress(frac)
		}
	}

	var written int64
	total := resp.ContentLength
	buf := make([]byte, 256*1024)
	var lastFrac float64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return ErrDownloadFailed(fmt.Sprintf("write: %v", werr))
			}
			written += int64(n)
			if total > 0 {
				frac := float64(written) / float64(total)
				if frac > 1 {
					frac = 1
				}
				if frac > lastFrac {
					lastFrac = frac
					report(frac)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Partial file stays on disk; caller must treat it as suspect.
			return ErrDownloadFailed(rerr.Error())
		}
	}
	if err := f.Sync(); err != nil {
		return ErrDownloadFailed(fmt.Sprintf("sync: %v", err))
	}
	if lastFrac < 1 {
		report(1)
	}
	return nil
}
