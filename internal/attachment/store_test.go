package attachment

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSStore_HostPath(t *testing.T) {
	t.Parallel()
	s := &FSStore{root: "/srv/cache"}
	key := Key("https://x/a.png")

	got, err := s.hostPath(key)
	if err != nil {
		t.Fatalf("hostPath: %v", err)
	}
	if want := filepath.Join("/srv/cache", key[:2], key); got != want {
		t.Fatalf("hostPath = %q, want %q", got, want)
	}
	for _, bad := range []string{"", "../escape", "/absolute/path", key[:63] + "z", key + "00"} {
		if _, err := s.hostPath(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("hostPath(%q) expected ErrInvalidKey, got %v", bad, err)
		}
	}
}

func TestFSStore_PutGetDelete(t *testing.T) {
	t.Parallel()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	e := Entry{Key: Key("https://x/a.png"), URL: "https://x/a.png", Data: []byte{0x89, 'P', 'N', 'G'}, ContentType: "image/png", StoredAt: now, ExpiresAt: now.Add(time.Hour)}

	if _, err := s.Get(ctx, e.Key); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss before Put, got %v", err)
	}
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, e.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Data, e.Data) || got.ContentType != e.ContentType || got.Size != 4 || !got.ExpiresAt.Equal(e.ExpiresAt) {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if err := s.Delete(ctx, e.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, e.Key); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after Delete, got %v", err)
	}
	if err := s.Delete(ctx, e.Key); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
}

func TestFSStore_DataWithoutMetaIsMiss(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	key := Key("https://x/partial")
	path, _ := s.hostPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("half"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), key); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestSweeperRemovesExpired(t *testing.T) {
	t.Parallel()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC()
	fresh := Entry{Key: Key("fresh"), Data: []byte("f"), StoredAt: now, ExpiresAt: now.Add(time.Hour)}
	stale := Entry{Key: Key("stale"), Data: []byte("s"), StoredAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	for _, e := range []Entry{fresh, stale} {
		if err := s.Put(ctx, e); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	sweeper, err := NewSweeper(nil, s, "@every 1h")
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if removed := sweeper.RunOnce(ctx); removed != 1 {
		t.Fatalf("removed %d entries, want 1", removed)
	}
	if _, err := s.Get(ctx, fresh.Key); err != nil {
		t.Fatalf("fresh entry swept: %v", err)
	}
	if _, err := s.Get(ctx, stale.Key); !errors.Is(err, ErrMiss) {
		t.Fatalf("stale entry survived: %v", err)
	}
}

func TestNewSweeperRejectsBadSpec(t *testing.T) {
	t.Parallel()
	if _, err := NewSweeper(nil, &FSStore{}, "every now and then"); err == nil {
		t.Fatal("expected invalid cron spec error")
	}
}

func TestRedisEntryRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC().Truncate(time.Millisecond)
	e := Entry{Key: "k", URL: "https://x/a", Data: []byte("data"), ContentType: "image/webp", StoredAt: now, ExpiresAt: now.Add(time.Hour)}

	fields := map[string]string{}
	for k, v := range encodeRedisEntry(e) {
		switch v := v.(type) {
		case string:
			fields[k] = v
		case []byte:
			fields[k] = string(v)
		}
	}
	got, err := decodeRedisEntry("k", fields)
	if err != nil {
		t.Fatalf("decodeRedisEntry: %v", err)
	}
	if !bytes.Equal(got.Data, e.Data) || got.ContentType != e.ContentType || !got.StoredAt.Equal(e.StoredAt) || !got.ExpiresAt.Equal(e.ExpiresAt) {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if _, err := decodeRedisEntry("k", map[string]string{"url": "x"}); err == nil {
		t.Fatal("expected error for entry without data")
	}
}

func TestReadAllWithLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		payload   []byte
		maxBytes  int64
		wantErr   bool
		errTooBig bool
	}{
		{name: "within limit", payload: []byte("hello"), maxBytes: 8},
		{name: "over limit", payload: []byte("0123456789"), maxBytes: 5, wantErr: true, errTooBig: true},
		{name: "exact limit", payload: []byte("12345"), maxBytes: 5},
		{name: "zero limit", payload: []byte("x"), maxBytes: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ReadAllWithLimit(bytes.NewReader(tt.payload), tt.maxBytes)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				if tt.errTooBig && !errors.Is(err, ErrTooLarge) {
					t.Fatalf("expected ErrTooLarge, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != string(tt.payload) {
				t.Fatalf("unexpected payload: %q", string(got))
			}
		})
	}
}
