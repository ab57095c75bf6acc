package stats

import (
	"testing"
	"time"
)

func TestAddFillsDefaults(t *testing.T) {
	s := NewStore("")
	s.Add(Record{Workspace: "ws", Thread: "main", Outcome: OutcomeCompleted, Chars: 42})

	records := s.Query(Filter{})
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.DayKey == "" {
		t.Fatalf("day key not defaulted")
	}
	if r.Timestamp.IsZero() {
		t.Fatalf("timestamp not defaulted")
	}
}

func TestQueryFilters(t *testing.T) {
	s := NewStore("")
	s.Add(Record{Workspace: "ws", Thread: "main", Outcome: OutcomeCompleted, Chars: 10})
	s.Add(Record{Workspace: "ws", Thread: "scratch", Outcome: OutcomeCancelled})
	s.Add(Record{Workspace: "other", Thread: "main", Outcome: OutcomeCompleted, Chars: 5})

	if got := len(s.Query(Filter{Workspace: "ws"})); got != 2 {
		t.Fatalf("workspace filter = %d, want 2", got)
	}
	if got := len(s.Query(Filter{Workspace: "ws", Thread: "main"})); got != 1 {
		t.Fatalf("thread filter = %d, want 1", got)
	}
	if got := len(s.Query(Filter{Limit: 2})); got != 2 {
		t.Fatalf("limit = %d, want 2", got)
	}
}

func TestLastByThread(t *testing.T) {
	s := NewStore("")
	s.Add(Record{Workspace: "ws", Thread: "main", Outcome: OutcomeErrored})
	s.Add(Record{Workspace: "ws", Thread: "main", Outcome: OutcomeCompleted, Chars: 7})

	last, ok := s.LastByThread("ws", "main")
	if !ok {
		t.Fatalf("no record found")
	}
	if last.Outcome != OutcomeCompleted || last.Chars != 7 {
		t.Fatalf("last = %+v", last)
	}
	if _, ok := s.LastByThread("ws", "absent"); ok {
		t.Fatalf("found record for unknown thread")
	}
}

func TestAggregateRecords(t *testing.T) {
	records := []Record{
		{Outcome: OutcomeCompleted, Chars: 100},
		{Outcome: OutcomeCompleted, Chars: 50},
		{Outcome: OutcomeCancelled},
		{Outcome: OutcomeErrored},
	}
	agg := AggregateRecords(records)
	if agg.Sessions != 4 || agg.Completed != 2 || agg.Cancelled != 1 || agg.Errored != 1 {
		t.Fatalf("aggregate = %+v", agg)
	}
	if agg.Chars != 150 {
		t.Fatalf("chars = %d, want 150", agg.Chars)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(dir)
	s.Add(Record{Workspace: "ws", Thread: "main", Outcome: OutcomeCompleted, Chars: 9, Timestamp: time.Now()})

	reopened := NewStore(dir)
	records := reopened.Query(Filter{Workspace: "ws"})
	if len(records) != 1 || records[0].Chars != 9 {
		t.Fatalf("reloaded records = %+v", records)
	}
}
