package subsync

import (
	"context"
	"sync"
	"time"
)

type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: m})
}

func (l *recordingLogger) Debug(msg string, fields ...Field) { l.add("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...Field)  { l.add("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...Field)  { l.add("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...Field) { l.add("error", msg, fields) }

func (l *recordingLogger) byLevel(level string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

type storeOp struct {
	op  string
	err error
}

type recordingMetrics struct {
	NoopMetrics
	mu  sync.Mutex
	ops []storeOp
}

func (m *recordingMetrics) RecordStoreOperation(op string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, storeOp{op: op, err: err})
}

// stubStore returns canned users and a fixed error from every method.
type stubStore struct {
	users []*User
	err   error
	calls int
}

func (s *stubStore) FindUsersByField(_ context.Context, _ LookupField, _ string, limit int) ([]*User, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if limit > 0 && len(s.users) > limit {
		return s.users[:limit], nil
	}
	return s.users, nil
}

func (s *stubStore) GetUser(_ context.Context, _ string) (*User, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.users) == 0 {
		return nil, ErrUserNotFound
	}
	return s.users[0], nil
}

func (s *stubStore) ApplySubscriptionDelta(_ context.Context, _ string, _ Delta) error {
	s.calls++
	return s.err
}

func (s *stubStore) AddValidReferral(_ context.Context, _, _ string) error {
	s.calls++
	return s.err
}

func (s *stubStore) ForEachUser(_ context.Context, fn func(*User) error) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	for _, u := range s.users {
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}
