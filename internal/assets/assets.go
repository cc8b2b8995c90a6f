// Package assets serves the application's static files from a blob bucket.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	gwerrors "github.com/NamanBalaji/mediagate/internal/errors"
	"github.com/NamanBalaji/mediagate/internal/logger"
	"github.com/NamanBalaji/mediagate/internal/stream"
)

const indexFile = "index.html"

var (
	ErrInvalidKey = errors.New("invalid asset path")
)

// Asset is an opened static file. Range is nil for full-content replies.
type Asset struct {
	Range         *stream.RangeRequest
	ContentLength int64
	ContentType   string
	ModTime       time.Time
	Body          io.ReadCloser
}

// Store reads assets from a gocloud.dev bucket (file://, mem://, ...).
type Store struct {
	bucket *blob.Bucket
}

// Open opens the bucket at bucketURL.
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset bucket %s: %w", bucketURL, err)
	}
	logger.Debugf("Asset bucket opened: %s", bucketURL)
	return &Store{bucket: bucket}, nil
}

// NewStore wraps an already opened bucket.
func NewStore(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// Get opens the asset stored under p, honoring rangeHeader like the file streamer does.
// An empty path or a directory-like path resolves to index.html.
func (s *Store) Get(ctx context.Context, p, rangeHeader string) (*Asset, error) {
	key, err := cleanKey(p)
	if err != nil {
		return nil, gwerrors.Forbidden("static", err)
	}

	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, gwerrors.NotFound("static", fmt.Errorf("asset %s: %w", key, err))
		}
		return nil, gwerrors.Internal("static", err)
	}

	asset := &Asset{
		ContentLength: attrs.Size,
		ContentType:   attrs.ContentType,
		ModTime:       attrs.ModTime,
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		asset.ContentType = ct
	}
	if asset.ContentType == "" {
		asset.ContentType = "application/octet-stream"
	}

	offset, length := int64(0), attrs.Size
	if r, ok := stream.ParseRange(rangeHeader, attrs.Size); ok {
		asset.Range = &r
		asset.ContentLength = r.Length()
		offset, length = r.Start, r.Length()
	}

	reader, err := s.bucket.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, gwerrors.NotFound("static", err)
		}
		return nil, gwerrors.Internal("static", err)
	}
	asset.Body = reader

	return asset, nil
}

// Close closes the underlying bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

func cleanKey(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrInvalidKey
		}
	}

	key := strings.TrimPrefix(path.Clean("/"+p), "/")
	if key == "" || strings.HasSuffix(p, "/") {
		key = path.Join(key, indexFile)
	}
	return key, nil
}
