package tokencache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRecord_Usable(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		name string
		rec  *Record
		want bool
	}{
		{"nil", nil, false},
		{"empty token", &Record{Expires: 2000}, false},
		{"valid", &Record{AccessToken: "t", Expires: 1001}, true},
		{"expires now", &Record{AccessToken: "t", Expires: 1000}, false},
		{"expired", &Record{AccessToken: "t", Expires: 999}, false},
	}
	for _, tt := range tests {
		if got := tt.rec.Usable(now); got != tt.want {
			t.Errorf("%s: Usable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFileStorage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "token.json")
	s := NewFileStorage(path)

	if _, err := s.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing file: got %v, want ErrNotFound", err)
	}

	if err := s.Save(ctx, &Record{AccessToken: "abc", Expires: 42}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"access_token":"abc","expires":42}` {
		t.Errorf("file contents = %s", b)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := fi.Mode().Perm(); mode != 0o600 {
		t.Errorf("mode = %v, want 0600", mode)
	}

	rec, err := s.Load(ctx)
	if err != nil || rec.AccessToken != "abc" || rec.Expires != 42 {
		t.Fatalf("Load = %+v, %v", rec, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}

	os.WriteFile(path, []byte("{"), 0o600)
	if _, err := s.Load(ctx); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("corrupt file: got %v, want ErrCorruptRecord", err)
	}
}

func TestRedisStorage(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStorage(client, "")

	if _, err := s.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty: got %v, want ErrNotFound", err)
	}

	expires := time.Now().Add(time.Hour).Unix()
	if err := s.Save(ctx, &Record{AccessToken: "abc", Expires: expires}); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Load(ctx)
	if err != nil || rec.AccessToken != "abc" || rec.Expires != expires {
		t.Fatalf("Load = %+v, %v", rec, err)
	}
	if ttl := mr.TTL(DefaultRedisKey); ttl <= 0 || ttl > time.Hour {
		t.Errorf("ttl = %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := s.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("after expiry: got %v, want ErrNotFound", err)
	}

	mr.Set(DefaultRedisKey, "garbage")
	if _, err := s.Load(ctx); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("corrupt: got %v, want ErrCorruptRecord", err)
	}

	if err := s.Save(ctx, &Record{AccessToken: "old", Expires: time.Now().Add(-time.Minute).Unix()}); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(DefaultRedisKey) {
		t.Error("expired record was stored")
	}
}

func TestEnsure_RedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	fetcher := &countingFetcher{expiresIn: 3600}
	c := New(NewRedisStorage(client, "svc"), fetcher, WithLogger(discardLogger()))
	for i := 0; i < 3; i++ {
		tok, err := c.Ensure(context.Background())
		if err != nil || tok != "tok-1" {
			t.Fatalf("Ensure %d = %q, %v", i, tok, err)
		}
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	mr.Close()
	tok, err := c.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure with redis down: %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("token = %q, want tok-2", tok)
	}
}

func TestEnsure_RedisStorageSharesCacheClock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := func() time.Time { return testNow }
	fetcher := &countingFetcher{expiresIn: 3600}
	c := newTestCache(NewRedisStorage(client, "svc", WithRedisClock(clock)), fetcher)
	for i := 0; i < 2; i++ {
		if tok, err := c.Ensure(context.Background()); err != nil || tok != "tok-1" {
			t.Fatalf("Ensure %d = %q, %v", i, tok, err)
		}
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
	if ttl := mr.TTL("svc"); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
}
