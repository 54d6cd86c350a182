package attachment

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const metaSuffix = ".json"

// FSStore keeps entries on local disk as <root>/<key[:2]>/<key> with a JSON
// sidecar holding the metadata. The sidecar is written last, so an entry
// without one is treated as absent.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &FSStore{root: abs}, nil
}

func (s *FSStore) Get(_ context.Context, key string) (Entry, error) {
	dataPath, err := s.hostPath(key)
	if err != nil {
		return Entry{}, err
	}
	meta, err := os.ReadFile(dataPath + metaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read meta: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(meta, &e); err != nil {
		return Entry{}, fmt.Errorf("decode meta: %w", err)
	}
	data, err := os.ReadFile(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read file: %w", err)
	}
	e.Key = key
	e.Data = data
	e.Size = int64(len(data))
	return e, nil
}

func (s *FSStore) Put(_ context.Context, e Entry) error {
	dest, err := s.hostPath(e.Key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	meta, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := writeFileAtomic(dest, e.Data); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := writeFileAtomic(dest+metaSuffix, meta); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	dest, err := s.hostPath(key)
	if err != nil {
		return err
	}
	// Meta first so a half-deleted entry reads as a miss.
	for _, p := range []string{dest + metaSuffix, dest} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete file: %w", err)
		}
	}
	return nil
}

// Sweep walks the sidecars and deletes expired entries.
func (s *FSStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || !e.Expired(now) {
			return nil
		}
		if err := s.Delete(ctx, strings.TrimSuffix(filepath.Base(path), metaSuffix)); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

// hostPath converts a cache key into its file path.
func (s *FSStore) hostPath(key string) (string, error) {
	if len(key) != 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if _, err := hex.DecodeString(key); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	joined := filepath.Join(s.root, key[:2], key)
	if !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes cache root: %s", key)
	}
	return joined, nil
}

func writeFileAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
