package stream_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/NamanBalaji/mediagate/internal/errors"
	"github.com/NamanBalaji/mediagate/internal/stream"
)

func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func readAll(t *testing.T, c *stream.Content) []byte {
	t.Helper()
	defer c.Body.Close()
	b, err := io.ReadAll(c.Body)
	require.NoError(t, err)
	return b
}

func TestStreamFullContent(t *testing.T) {
	path, data := writeFile(t, 1_000_000)
	s := stream.NewStreamer()

	c, err := s.Stream(path, "")
	require.NoError(t, err)

	assert.False(t, c.Partial())
	assert.Equal(t, int64(1_000_000), c.ContentLength)
	assert.True(t, bytes.Equal(data, readAll(t, c)))
	assert.Zero(t, s.OpenHandles())
}

func TestStreamOpenEndedRange(t *testing.T) {
	path, data := writeFile(t, 1_000_000)
	s := stream.NewStreamer()

	c, err := s.Stream(path, "bytes=500000-")
	require.NoError(t, err)

	require.True(t, c.Partial())
	assert.Equal(t, "bytes 500000-999999/1000000", c.Range.ContentRange())
	assert.Equal(t, int64(500_000), c.ContentLength)

	body := readAll(t, c)
	assert.Len(t, body, 500_000)
	assert.True(t, bytes.Equal(data[500_000:], body))
}

func TestStreamBoundedRange(t *testing.T) {
	path, data := writeFile(t, 10_000)
	s := stream.NewStreamer()

	c, err := s.Stream(path, "bytes=100-199")
	require.NoError(t, err)

	body := readAll(t, c)
	assert.Len(t, body, 100)
	assert.Equal(t, data[100:200], body)
	assert.Equal(t, int64(10_000), c.Range.Total)
}

func TestStreamZeroToEndNeverExceedsFile(t *testing.T) {
	path, _ := writeFile(t, 1234)
	s := stream.NewStreamer()

	c, err := s.Stream(path, "bytes=0-")
	require.NoError(t, err)

	assert.Equal(t, int64(1233), c.Range.End)
	assert.Len(t, readAll(t, c), 1234)
}

func TestStreamMalformedRangeServesFullContent(t *testing.T) {
	path, _ := writeFile(t, 2048)
	s := stream.NewStreamer()

	c, err := s.Stream(path, "bytes=abc")
	require.NoError(t, err)

	assert.False(t, c.Partial())
	assert.Len(t, readAll(t, c), 2048)
}

func TestStreamMissingFile(t *testing.T) {
	s := stream.NewStreamer()

	_, err := s.Stream(filepath.Join(t.TempDir(), "missing.mp3"), "")
	require.Error(t, err)
	assert.Equal(t, gwerrors.KindNotFound, gwerrors.KindOf(err))
}

func TestStreamDirectoryIsNotFound(t *testing.T) {
	s := stream.NewStreamer()

	_, err := s.Stream(t.TempDir(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrNotRegularFile)
	assert.Equal(t, gwerrors.KindNotFound, gwerrors.KindOf(err))
	assert.Zero(t, s.OpenHandles())
}

func TestStreamEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	s := stream.NewStreamer()

	c, err := s.Stream(path, "bytes=0-")
	require.NoError(t, err)
	assert.False(t, c.Partial())
	assert.Zero(t, c.ContentLength)
	assert.Empty(t, readAll(t, c))
}

func TestStreamReleasesHandleOnEarlyClose(t *testing.T) {
	path, _ := writeFile(t, 64*1024)
	s := stream.NewStreamer()

	c, err := s.Stream(path, "bytes=0-")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.OpenHandles())

	buf := make([]byte, 10)
	_, err = c.Body.Read(buf)
	require.NoError(t, err)

	require.NoError(t, c.Body.Close())
	require.NoError(t, c.Body.Close())
	assert.Zero(t, s.OpenHandles())
}

func TestStreamConcurrentRangesAreIndependent(t *testing.T) {
	path, data := writeFile(t, 100_000)
	s := stream.NewStreamer()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := i * 5000
			c, err := s.Stream(path, "bytes="+itoa(start)+"-"+itoa(start+4999))
			if !assert.NoError(t, err) {
				return
			}
			defer c.Body.Close()
			got, err := io.ReadAll(c.Body)
			assert.NoError(t, err)
			assert.Equal(t, data[start:start+5000], got)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, s.OpenHandles())
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
