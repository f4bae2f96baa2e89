// Package storetest provides an in-memory store.Commands implementation
// for package tests. Counter keys are plain decimal strings, as on the
// real server. Script execution is delegated to an EvalFn hook so each
// test wires only the script semantics it exercises.
package storetest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/adred-codev/seckill/internal/types"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no TTL
}

// Store is a concurrency-safe fake hot store.
type Store struct {
	mu   sync.Mutex
	data map[string]entry

	// EvalFn, when set, handles Eval calls. It runs under the store lock,
	// mirroring the real server's serial script execution.
	EvalFn func(script string, data map[string]string, keys []string, args []any) (any, error)

	// Fail, when set, makes every command return this error.
	Fail error
}

func New() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) alive(e entry) bool {
	return e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)
}

// Seed sets a key without TTL, for test setup.
func (s *Store) Seed(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{value: value}
}

// Value returns the current raw value of a key, for assertions.
func (s *Store) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || !s.alive(e) {
		return "", false
	}
	return e.value, true
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if s.Fail != nil {
		return "", s.Fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || !s.alive(e) {
		delete(s.data, key)
		return "", types.NewError(types.CodeNotFound, "key not found: "+key)
	}
	return e.value, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.Fail != nil {
		return s.Fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if s.Fail != nil {
		return s.Fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *Store) addInt(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	if e, ok := s.data[key]; ok && s.alive(e) {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, types.NewError(types.CodeInvalidParameter, "wrong value type at "+key)
		}
		cur = n
	}
	cur += delta
	s.data[key] = entry{value: strconv.FormatInt(cur, 10)}
	return cur, nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if s.Fail != nil {
		return 0, s.Fail
	}
	return s.addInt(key, 1)
}

func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	if s.Fail != nil {
		return 0, s.Fail
	}
	return s.addInt(key, -1)
}

func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	if s.Fail != nil {
		return 0, s.Fail
	}
	return s.addInt(key, n)
}

func (s *Store) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	if s.Fail != nil {
		return 0, s.Fail
	}
	return s.addInt(key, -n)
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if s.Fail != nil {
		return 0, s.Fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || !s.alive(e) {
		return -2 * time.Second, nil
	}
	if e.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return time.Until(e.expiresAt), nil
}

func (s *Store) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	if s.EvalFn == nil {
		return nil, types.NewError(types.CodeInternal, "storetest: no EvalFn registered")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	plain := make(map[string]string, len(s.data))
	for k, e := range s.data {
		if s.alive(e) {
			plain[k] = e.value
		}
	}
	res, err := s.EvalFn(script, plain, keys, args)
	if err != nil {
		return nil, err
	}
	// Write back mutations, preserving TTLs on surviving keys.
	for k, v := range plain {
		old, ok := s.data[k]
		if !ok || old.value != v {
			s.data[k] = entry{value: v, expiresAt: old.expiresAt}
		}
	}
	for k := range s.data {
		if _, ok := plain[k]; !ok {
			delete(s.data, k)
		}
	}
	return res, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.Fail != nil {
		return s.Fail
	}
	return nil
}
