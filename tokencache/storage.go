package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound means no record has been stored.
	ErrNotFound = errors.New("no cached token")

	// ErrCorruptRecord means a stored record could not be decoded.
	ErrCorruptRecord = errors.New("corrupt cached token")
)

// Record is the persisted service token.
type Record struct {
	AccessToken string `json:"access_token"`
	// Expires is the expiry time in Unix seconds.
	Expires int64 `json:"expires"`
}

// Usable reports whether r holds a token that has not expired at now.
func (r *Record) Usable(now time.Time) bool {
	return r != nil && r.AccessToken != "" && now.Unix() < r.Expires
}

// Storage loads and saves the single cached Record.
type Storage interface {
	// Load returns the stored record, ErrNotFound if there is none, or
	// ErrCorruptRecord if it cannot be decoded.
	Load(ctx context.Context) (*Record, error)
	// Save overwrites the stored record. It returns once the write has landed.
	Save(ctx context.Context, rec *Record) error
}

func decodeRecord(b []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &rec, nil
}

// FileStorage keeps the record as a JSON file.
type FileStorage struct {
	path string
}

// NewFileStorage returns a FileStorage writing to path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Path returns the file path.
func (s *FileStorage) Path() string {
	return s.path
}

func (s *FileStorage) Load(ctx context.Context) (*Record, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return decodeRecord(b)
}

// Save writes the record to a temporary file in the same directory and
// renames it over the target, so readers never see a partial record.
func (s *FileStorage) Save(ctx context.Context, rec *Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	dir := filepath.Dir(s.path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", s.path, err)
	}
	return nil
}

// DefaultRedisKey is the key RedisStorage uses when none is given.
const DefaultRedisKey = "indiepost:service-token"

// RedisStorage keeps the record under one Redis key that expires with the token.
type RedisStorage struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
}

// RedisOption configures a RedisStorage.
type RedisOption func(*RedisStorage)

// WithRedisClock sets the time source the key TTL is computed from. Use the
// same clock as the Cache so both agree on when the token expires.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStorage) {
		s.now = now
	}
}

// NewRedisStorage returns a RedisStorage using key, or DefaultRedisKey if key is empty.
func NewRedisStorage(client redis.UniversalClient, key string, opts ...RedisOption) *RedisStorage {
	if key == "" {
		key = DefaultRedisKey
	}
	s := &RedisStorage{client: client, key: key, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStorage) Load(ctx context.Context) (*Record, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	return decodeRecord(b)
}

func (s *RedisStorage) Save(ctx context.Context, rec *Record) error {
	ttl := time.Unix(rec.Expires, 0).Sub(s.now())
	if ttl <= 0 {
		if err := s.client.Del(ctx, s.key).Err(); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.key, b, ttl).Err(); err != nil {
		return fmt.Errorf("persist record: %w", err)
	}
	return nil
}

// MemoryStorage keeps the record in process memory.
type MemoryStorage struct {
	mu  sync.Mutex
	rec *Record
}

func (s *MemoryStorage) Load(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, ErrNotFound
	}
	rec := *s.rec
	return &rec, nil
}

func (s *MemoryStorage) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.rec = &cp
	return nil
}

var (
	_ Storage = (*FileStorage)(nil)
	_ Storage = (*RedisStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
