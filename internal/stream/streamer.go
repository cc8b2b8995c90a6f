// Package stream serves local files with byte-range support.
package stream

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	gwerrors "github.com/NamanBalaji/mediagate/internal/errors"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

var (
	ErrNotRegularFile = errors.New("not a regular file")
)

// Content is the result of a Stream call. Range is nil for full-content replies.
// The caller owns Body and must close it.
type Content struct {
	Range         *RangeRequest
	ContentLength int64
	ContentType   string
	ModTime       time.Time
	Body          io.ReadCloser
}

// Partial reports whether the content is a 206 reply.
func (c *Content) Partial() bool {
	return c.Range != nil
}

// Streamer opens bounded reads of local files. Concurrent calls are independent.
type Streamer struct {
	open atomic.Int64
}

func NewStreamer() *Streamer {
	return &Streamer{}
}

// OpenHandles returns the number of file handles currently held by bodies.
func (s *Streamer) OpenHandles() int64 {
	return s.open.Load()
}

// Stream opens path and prepares a body for rangeHeader. A missing path or a
// non-regular file yields a not-found error.
func (s *Streamer) Stream(path, rangeHeader string) (*Content, error) {
	// opening a FIFO blocks until a writer appears, so check before opening
	before, err := os.Stat(path)
	if err != nil {
		return nil, statError(path, err)
	}
	if !before.Mode().IsRegular() {
		return nil, gwerrors.NotFound("stream", ErrNotRegularFile)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, gwerrors.NotFound("stream", err)
		}
		return nil, gwerrors.Internal("stream", fmt.Errorf("failed to open %s: %w", path, err))
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, gwerrors.Internal("stream", fmt.Errorf("failed to stat %s: %w", path, err))
	}
	if !info.Mode().IsRegular() || !os.SameFile(before, info) {
		f.Close()
		return nil, gwerrors.NotFound("stream", ErrNotRegularFile)
	}

	size := info.Size()
	content := &Content{
		ContentLength: size,
		ContentType:   contentType(path),
		ModTime:       info.ModTime(),
	}

	offset := int64(0)
	if r, ok := ParseRange(rangeHeader, size); ok {
		content.Range = &r
		content.ContentLength = r.Length()
		offset = r.Start
	} else if rangeHeader != "" {
		logger.Debugf("Ignoring unusable range %q for %s (size %d)", rangeHeader, path, size)
	}

	s.open.Add(1)
	content.Body = &sectionBody{
		SectionReader: io.NewSectionReader(f, offset, content.ContentLength),
		file:          f,
		open:          &s.open,
	}

	return content, nil
}

func statError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return gwerrors.NotFound("stream", err)
	}
	return gwerrors.Internal("stream", fmt.Errorf("failed to stat %s: %w", path, err))
}

// sectionBody is a bounded view on a file that releases the handle on Close.
type sectionBody struct {
	*io.SectionReader
	file   *os.File
	open   *atomic.Int64
	closed atomic.Bool
}

func (b *sectionBody) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.open.Add(-1)
	return b.file.Close()
}

// mediaTypes covers audio formats the system mime table may not know.
var mediaTypes = map[string]string{
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".wav":  "audio/wav",
	".lrc":  "text/plain; charset=utf-8",
}

func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := mediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
