package mediastore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Scheme prefixes every content address. The hex digest after it is the
// SHA-256 of the blob, so an address can be verified against its content and
// identical blobs dedupe to one object.
const Scheme = "cas://"

var (
	ErrNotFound   = errors.New("blob not found")
	ErrBadAddress = errors.New("malformed content address")
)

// BlobStore holds immutable token media. Put returns the content address;
// writing the same bytes twice returns the same address and stores one copy.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, addr string) ([]byte, error)
	Exists(ctx context.Context, addr string) (bool, error)
}

// Address computes the content address for data without storing it.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return Scheme + hex.EncodeToString(sum[:])
}

func parseAddress(addr string) (string, error) {
	digest, ok := strings.CutPrefix(addr, Scheme)
	if !ok || len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, addr)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, addr)
	}
	return digest, nil
}

// FS is a filesystem-backed BlobStore. Objects live under root, sharded by
// the first two digest characters to keep directories small.
type FS struct {
	root string
	log  zerolog.Logger
}

func NewFS(root string, log zerolog.Logger) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{
		root: root,
		log:  log.With().Str("component", "mediastore").Logger(),
	}, nil
}

func (f *FS) path(digest string) string {
	return filepath.Join(f.root, digest[:2], digest)
}

func (f *FS) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	addr := Address(data)
	digest := addr[len(Scheme):]
	path := f.path(digest)

	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}

	// Write-then-rename so a crashed Put never leaves a partial object at
	// the final path.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit blob: %w", err)
	}

	f.log.Debug().Str("addr", addr).Int("bytes", len(data)).Msg("blob stored")
	return addr, nil
}

func (f *FS) Get(ctx context.Context, addr string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (f *FS) Exists(ctx context.Context, addr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	digest, err := parseAddress(addr)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(f.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var _ BlobStore = (*FS)(nil)
