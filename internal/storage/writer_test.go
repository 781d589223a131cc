package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []string
}

func (s *fakeSink) LogExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	s.written = append(s.written, exec.ID)
	return nil
}

func (s *fakeSink) snapshot() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]string(nil), s.written...)
}

func TestAuditWriterDrainsOnFlush(t *testing.T) {
	sink := &fakeSink{}
	w := NewAuditWriter(sink, 10)
	for _, id := range []string{"a", "b", "c"} {
		w.Log(&Execution{ID: id})
	}
	w.Start()
	w.Flush(5 * time.Second)

	_, written := sink.snapshot()
	if len(written) != 3 || written[0] != "a" || written[2] != "c" {
		t.Errorf("written = %v, want [a b c]", written)
	}

	// A second flush must not panic on the closed channel.
	w.Flush(time.Second)
}

func TestAuditWriterRetries(t *testing.T) {
	sink := &fakeSink{failures: 2}
	w := NewAuditWriter(sink, 10)
	w.backoff = time.Millisecond
	w.Start()
	w.Log(&Execution{ID: "x"})
	w.Flush(5 * time.Second)

	calls, written := sink.snapshot()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(written) != 1 {
		t.Errorf("written = %v", written)
	}
}

func TestAuditWriterGivesUp(t *testing.T) {
	sink := &fakeSink{failures: 100}
	w := NewAuditWriter(sink, 10)
	w.backoff = time.Millisecond
	w.Start()
	w.Log(&Execution{ID: "x"})
	w.Flush(5 * time.Second)

	if calls, written := sink.snapshot(); calls != auditAttempts || len(written) != 0 {
		t.Errorf("calls = %d written = %v, want 4 attempts and nothing written", calls, written)
	}
}

func TestAuditWriterDropsWhenFull(t *testing.T) {
	sink := &fakeSink{}
	w := NewAuditWriter(sink, 1)
	w.Log(&Execution{ID: "kept"})
	w.Log(&Execution{ID: "dropped"})
	w.Start()
	w.Flush(5 * time.Second)

	if _, written := sink.snapshot(); len(written) != 1 || written[0] != "kept" {
		t.Errorf("written = %v, want [kept]", written)
	}
	if got := w.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestHashIdentity(t *testing.T) {
	if HashIdentity("") != "" {
		t.Error("empty identity should hash to empty")
	}
	a, b := HashIdentity("user:1"), HashIdentity("user:2")
	if len(a) != 16 || a == b {
		t.Errorf("hashes %q %q", a, b)
	}
	if a != HashIdentity("user:1") {
		t.Error("hash not stable")
	}
}

func TestTruncateForDB(t *testing.T) {
	if got := truncateForDB("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
	if got := truncateForDB("ab", 3); got != "ab" {
		t.Errorf("got %q", got)
	}
}
