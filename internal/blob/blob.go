// Package blob stores upload artifacts on the filesystem under their content
// hash. References have the form "sha256:<hex>".
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/resilience"
)

const refPrefix = "sha256:"

var (
	// ErrNotFound is returned when no artifact is stored under a reference.
	ErrNotFound = eris.New("blob: artifact not found")
	// ErrInvalidRef is returned for references that are not sha256:<hex>.
	ErrInvalidRef = eris.New("blob: invalid reference")
)

// Store is a content-addressed artifact store rooted at a directory.
type Store struct {
	root string
	log  *zap.Logger
}

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: create root %s", root)
	}
	return &Store{
		root: root,
		log:  zap.L().With(zap.String("component", "blob")),
	}, nil
}

// Put streams r into the store and returns its reference and size. Storing
// the same content twice yields the same reference and one file.
func (s *Store) Put(ctx context.Context, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.root, ".put-*.tmp")
	if err != nil {
		return "", 0, eris.Wrap(err, "blob: create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(tmp, h), readerWithContext(ctx, r))
	closeErr := tmp.Close()
	if copyErr != nil {
		return "", 0, eris.Wrap(copyErr, "blob: write artifact")
	}
	if closeErr != nil {
		return "", 0, eris.Wrap(closeErr, "blob: close temp file")
	}

	sum := hex.EncodeToString(h.Sum(nil))
	dest := s.path(sum)
	if _, err := os.Stat(dest); err == nil {
		return refPrefix + sum, n, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", 0, eris.Wrap(err, "blob: create shard dir")
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", 0, eris.Wrap(err, "blob: commit artifact")
	}

	s.log.Debug("artifact stored", zap.String("ref", refPrefix+sum), zap.Int64("bytes", n))
	return refPrefix + sum, n, nil
}

// Open returns a reader for the artifact stored under ref. Missing artifacts
// and malformed references are permanent failures.
func (s *Store) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	sum, err := ParseRef(ref)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	f, err := os.Open(s.path(sum))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, resilience.Permanent(eris.Wrapf(ErrNotFound, "blob: %s", ref))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blob: open %s", ref)
	}
	return f, nil
}

// Exists reports whether an artifact is stored under ref.
func (s *Store) Exists(ref string) (bool, error) {
	sum, err := ParseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(sum))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, eris.Wrapf(err, "blob: stat %s", ref)
	}
}

// ParseRef validates a reference and returns its hex digest.
func ParseRef(ref string) (string, error) {
	sum, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(sum) != sha256.Size*2 {
		return "", eris.Wrapf(ErrInvalidRef, "blob: %q", ref)
	}
	if _, err := hex.DecodeString(sum); err != nil || strings.ToLower(sum) != sum {
		return "", eris.Wrapf(ErrInvalidRef, "blob: %q", ref)
	}
	return sum, nil
}

// path shards artifacts by the first two hex digits.
func (s *Store) path(sum string) string {
	return filepath.Join(s.root, sum[:2], sum)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
