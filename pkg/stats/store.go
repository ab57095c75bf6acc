// Package stats keeps a local record of chat session activity so the
// REPL can report what happened across runs.
package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outcomes of a generation session.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeErrored   = "errored"
)

type Record struct {
	Timestamp time.Time `json:"timestamp"`
	DayKey    string    `json:"day_key"`
	Workspace string    `json:"workspace"`
	Thread    string    `json:"thread"`
	Outcome   string    `json:"outcome"`
	Chars     int       `json:"chars"`
}

type Filter struct {
	Workspace string
	Thread    string
	DayKey    string
	Limit     int
}

type Aggregate struct {
	Sessions  int
	Completed int
	Cancelled int
	Errored   int
	Chars     int
}

// Store is an append-only record list persisted as a JSON file. A store
// constructed with an empty directory is memory-only.
type Store struct {
	mu      sync.RWMutex
	records []Record
	path    string
}

func NewStore(dir string) *Store {
	s := &Store{
		records: make([]Record, 0, 256),
	}
	if dir == "" {
		return s
	}
	_ = os.MkdirAll(dir, 0755)
	s.path = filepath.Join(dir, "stats.json")
	s.load()
	return s
}

func (s *Store) TodayKey() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (s *Store) Add(r Record) {
	if r.DayKey == "" {
		r.DayKey = s.TodayKey()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()

	s.save()
}

// RecordGeneration satisfies the chat controller's recorder hook.
func (s *Store) RecordGeneration(workspace, thread, outcome string, chars int) {
	s.Add(Record{
		Workspace: workspace,
		Thread:    thread,
		Outcome:   outcome,
		Chars:     chars,
	})
}

// LastByThread returns the most recent record for a thread.
func (s *Store) LastByThread(workspace, thread string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Workspace == workspace && s.records[i].Thread == thread {
			return s.records[i], true
		}
	}
	return Record{}, false
}

func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.Workspace != "" && r.Workspace != f.Workspace {
			continue
		}
		if f.Thread != "" && r.Thread != f.Thread {
			continue
		}
		if f.DayKey != "" && r.DayKey != f.DayKey {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func AggregateRecords(records []Record) Aggregate {
	var agg Aggregate
	for _, r := range records {
		agg.Sessions++
		agg.Chars += r.Chars
		switch r.Outcome {
		case OutcomeCompleted:
			agg.Completed++
		case OutcomeCancelled:
			agg.Cancelled++
		case OutcomeErrored:
			agg.Errored++
		}
	}
	return agg
}

// ThreadBreakdown groups records per workspace/thread pair.
func ThreadBreakdown(records []Record) map[string]Aggregate {
	out := map[string]Aggregate{}
	for _, r := range records {
		key := r.Workspace + "/" + r.Thread
		agg := out[key]
		agg.Sessions++
		agg.Chars += r.Chars
		switch r.Outcome {
		case OutcomeCompleted:
			agg.Completed++
		case OutcomeCancelled:
			agg.Cancelled++
		case OutcomeErrored:
			agg.Errored++
		}
		out[key] = agg
	}
	return out
}

func (s *Store) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return
	}
	s.records = records
}

func (s *Store) save() {
	if s.path == "" {
		return
	}
	s.mu.RLock()
	snapshot := make([]Record, len(s.records))
	copy(snapshot, s.records)
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(s.path, data, 0644)
}
