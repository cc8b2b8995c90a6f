package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/mediagate/internal/common"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

var (
	ErrStalled          = errors.New("transfer stalled")
	ErrNotResumable     = errors.New("transfer cannot be resumed")
	ErrNoSavePath       = errors.New("transfer has no save path")
	ErrUnexpectedStatus = errors.New("unexpected status code")

	errPaused    = errors.New("transfer paused")
	errCancelled = errors.New("transfer cancelled")
)

type runState int

const (
	stateQueued runState = iota
	stateRunning
	statePaused
	stateInterrupted
	stateCompleted
	stateCancelled
)

func (s runState) String() string {
	switch s {
	case stateQueued:
		return "queued"
	case stateRunning:
		return "running"
	case statePaused:
		return "paused"
	case stateInterrupted:
		return "interrupted"
	case stateCompleted:
		return "completed"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

const (
	updatesBuffer = 32
	copyBufSize   = 32 * 1024
)

// HTTPTransfer downloads one URL into its save path and can be paused,
// resumed from the partial file, or cancelled.
type HTTPTransfer struct {
	id      uuid.UUID
	session *Session

	mu       sync.Mutex
	info     common.TransferInfo
	received int64
	state    runState
	cancel   context.CancelCauseFunc
	runDone  chan struct{}

	updates   chan common.TransferUpdate
	closeOnce sync.Once
}

func newHTTPTransfer(s *Session, info common.TransferInfo, state runState) *HTTPTransfer {
	return &HTTPTransfer{
		id:       uuid.New(),
		session:  s,
		info:     info,
		received: info.Offset,
		state:    state,
		updates:  make(chan common.TransferUpdate, updatesBuffer),
	}
}

func (t *HTTPTransfer) ID() uuid.UUID {
	return t.id
}

func (t *HTTPTransfer) Info() common.TransferInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := t.info
	info.URLChain = append([]string(nil), t.info.URLChain...)
	info.Offset = t.received
	return info
}

func (t *HTTPTransfer) SetSavePath(path string) {
	t.mu.Lock()
	t.info.SavePath = path
	t.mu.Unlock()
}

func (t *HTTPTransfer) Updates() <-chan common.TransferUpdate {
	return t.updates
}

// Pause stops the transfer and keeps the partial file. It does not wait for
// the in-flight request to unwind.
func (t *HTTPTransfer) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateRunning:
		t.state = statePaused
		t.cancel(errPaused)
	case stateQueued:
		t.state = statePaused
	default:
		return nil
	}
	logger.Debugf("Transfer %s paused at %d bytes", t.id, t.received)
	return nil
}

// Resume queues a paused or interrupted transfer again.
func (t *HTTPTransfer) Resume() error {
	t.mu.Lock()
	if !t.canResumeLocked() {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotResumable, state)
	}
	t.state = stateQueued
	t.mu.Unlock()

	t.session.enqueue(t, priorityResume)
	return nil
}

// Cancel aborts the transfer and removes the partial file once the current
// attempt, if any, has returned.
func (t *HTTPTransfer) Cancel() error {
	t.mu.Lock()
	if t.state == stateCompleted || t.state == stateCancelled {
		t.mu.Unlock()
		return nil
	}
	wasRunning := t.state == stateRunning
	t.state = stateCancelled
	if wasRunning {
		t.cancel(errCancelled)
	}
	done := t.runDone
	path := t.info.SavePath
	t.mu.Unlock()

	go func() {
		if done != nil {
			<-done
		}
		if path != "" {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warnf("Failed to remove partial file %s: %v", path, err)
			}
		}
		t.terminate(common.TransferUpdate{Kind: common.UpdateCancelled, Timestamp: time.Now()})
		t.session.forget(t)
	}()
	return nil
}

func (t *HTTPTransfer) CanResume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canResumeLocked()
}

func (t *HTTPTransfer) canResumeLocked() bool {
	if t.state != statePaused && t.state != stateInterrupted {
		return false
	}
	return t.info.URL() != "" && t.info.SavePath != ""
}

// run performs one attempt of the transfer in a queue slot.
func (t *HTTPTransfer) run(parent context.Context) error {
	t.mu.Lock()
	prev := t.runDone
	t.mu.Unlock()
	if prev != nil {
		<-prev
	}

	t.mu.Lock()
	if t.state != stateQueued {
		t.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancelCause(parent)
	done := make(chan struct{})
	t.cancel = cancel
	t.runDone = done
	t.state = stateRunning
	t.mu.Unlock()

	defer close(done)
	defer cancel(nil)

	err := t.download(ctx)
	return t.finish(ctx, err)
}

func (t *HTTPTransfer) finish(ctx context.Context, err error) error {
	cause := context.Cause(ctx)

	t.mu.Lock()
	received, total := t.received, t.info.Length
	switch {
	case errors.Is(cause, errCancelled):
		t.mu.Unlock()
		return nil
	case errors.Is(cause, errPaused):
		t.mu.Unlock()
		t.emit(common.TransferUpdate{Kind: common.UpdateProgress, Received: received, Total: total, Timestamp: time.Now()})
		return nil
	case err == nil:
		t.state = stateCompleted
		t.mu.Unlock()
		logger.Infof("Transfer %s completed with %d bytes", t.id, received)
		t.terminate(common.TransferUpdate{Kind: common.UpdateCompleted, Received: received, Total: total, Timestamp: time.Now()})
		t.session.forget(t)
		return nil
	default:
		if t.state == stateRunning {
			t.state = stateInterrupted
		}
		t.mu.Unlock()
		t.send(common.TransferUpdate{Kind: common.UpdateInterrupted, Received: received, Total: total, Err: err, Timestamp: time.Now()})
		return err
	}
}

func (t *HTTPTransfer) download(ctx context.Context) error {
	info := t.Info()
	if info.SavePath == "" {
		return ErrNoSavePath
	}
	if err := os.MkdirAll(filepath.Dir(info.SavePath), 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	var offset int64
	if fi, err := os.Stat(info.SavePath); err == nil {
		offset = fi.Size()
	}
	if info.Length > 0 && offset > info.Length {
		// local file is larger than the remote one: start over
		offset = 0
	}
	if info.Length > 0 && offset == info.Length {
		t.setReceived(offset)
		return nil
	}

	wctx, wd := newWatchdog(ctx, t.session.config.StallTimeout)
	defer wd.Stop()

	err := t.fetch(wctx, wd, info, offset)
	if err != nil && errors.Is(context.Cause(wctx), ErrStalled) {
		return fmt.Errorf("%w: no data for %s", ErrStalled, t.session.config.StallTimeout)
	}
	return err
}

func (t *HTTPTransfer) fetch(ctx context.Context, wd *watchdog, info common.TransferInfo, offset int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL(), http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", t.session.config.UserAgent)
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
		if v := ifRangeValidator(info.ETag, info.LastModified); v != "" {
			req.Header.Set("If-Range", v)
		}
	}

	logger.Debugf("Transfer %s requesting %s from byte %d", t.id, info.URL(), offset)
	resp, err := t.session.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, ok := startFromContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			return fmt.Errorf("%w: range starts at %d, expected %d", ErrUnexpectedStatus, start, offset)
		}
		if total := totalFromContentRange(resp.Header.Get("Content-Range")); total > 0 {
			t.setLength(total)
		}
		flags |= os.O_APPEND
	case http.StatusOK:
		// the origin ignored the range or the validator no longer matches
		offset = 0
		if resp.ContentLength > 0 {
			t.setLength(resp.ContentLength)
		}
		flags |= os.O_TRUNC
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	out, err := os.OpenFile(info.SavePath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", info.SavePath, err)
	}
	defer out.Close()

	t.setReceived(offset)
	return t.copy(out, resp.Body, wd)
}

func (t *HTTPTransfer) copy(out io.Writer, in io.Reader, wd *watchdog) error {
	interval := t.session.config.ProgressInterval
	lastEmit := time.Now()
	buf := make([]byte, copyBufSize)

	for {
		n, err := in.Read(buf)
		if n > 0 {
			wd.Kick()
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write: %w", werr)
			}
			received, total := t.addReceived(int64(n))
			if time.Since(lastEmit) >= interval {
				lastEmit = time.Now()
				t.emit(common.TransferUpdate{Kind: common.UpdateProgress, Received: received, Total: total, Timestamp: lastEmit})
			}
		}
		if errors.Is(err, io.EOF) {
			received, total := t.progress()
			if total > 0 && received < total {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (t *HTTPTransfer) setLength(n int64) {
	t.mu.Lock()
	t.info.Length = n
	t.mu.Unlock()
}

func (t *HTTPTransfer) setReceived(n int64) {
	t.mu.Lock()
	t.received = n
	t.mu.Unlock()
}

func (t *HTTPTransfer) addReceived(n int64) (int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received += n
	return t.received, t.info.Length
}

func (t *HTTPTransfer) progress() (int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received, t.info.Length
}

// emit delivers a progress update, dropping it when the consumer is behind.
func (t *HTTPTransfer) emit(u common.TransferUpdate) {
	select {
	case t.updates <- u:
	default:
	}
}

// send delivers a state update; it blocks until the consumer has room.
func (t *HTTPTransfer) send(u common.TransferUpdate) {
	t.updates <- u
}

// terminate sends the final update and closes the channel.
func (t *HTTPTransfer) terminate(u common.TransferUpdate) {
	t.closeOnce.Do(func() {
		t.updates <- u
		close(t.updates)
	})
}
