package storage

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]*UsageEvent
	err     error
}

func (s *recordingSink) insert(events []*UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]*UsageEvent, len(events))
	copy(cp, events)
	s.batches = append(s.batches, cp)
	return s.err
}

func (s *recordingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestClickHouseWriter_FlushesOnTick(t *testing.T) {
	sink := &recordingSink{}
	w := newWriterWithInsert(sink.insert, zap.NewNop())
	defer w.Close()

	for i := 0; i < 3; i++ {
		w.Write(&UsageEvent{RequestID: "req", ToolID: "flux-schnell"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.total() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.total() != 3 {
		t.Fatalf("expected 3 flushed events, got %d", sink.total())
	}
}

func TestClickHouseWriter_CloseDrains(t *testing.T) {
	sink := &recordingSink{}
	w := newWriterWithInsert(sink.insert, zap.NewNop())

	for i := 0; i < 50; i++ {
		w.Write(&UsageEvent{RequestID: "req"})
	}
	w.Close()

	if sink.total() != 50 {
		t.Errorf("expected 50 events after close, got %d", sink.total())
	}
}

func TestClickHouseWriter_InsertErrorLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sink := &recordingSink{err: errors.New("table missing")}
	w := newWriterWithInsert(sink.insert, zap.New(core))

	w.Write(&UsageEvent{RequestID: "req"})
	w.Close()

	if logs.FilterMessage("clickhouse batch insert failed").Len() != 1 {
		t.Errorf("expected insert failure to be logged, got %d entries", logs.Len())
	}
}

func TestLogWriter_Fields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := NewLogWriter(zap.New(core))

	w.Write(&UsageEvent{RequestID: "req_1", ToolID: "flux-schnell", Status: StatusSuccess, Credits: 1.5})

	entries := logs.FilterMessage("tool_usage_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["tool_id"] != "flux-schnell" {
		t.Errorf("expected tool_id flux-schnell, got %v", fields["tool_id"])
	}
	if fields["credits"] != 1.5 {
		t.Errorf("expected credits 1.5, got %v", fields["credits"])
	}
}

func TestSafeFloat(t *testing.T) {
	if safeFloat(math.NaN()) != 0 || safeFloat(math.Inf(1)) != 0 {
		t.Error("NaN/Inf should map to 0")
	}
	if safeFloat(12.5) != 12.5 {
		t.Error("finite values should pass through")
	}
}
