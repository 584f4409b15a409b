package logging

import (
	"context"
	"sync"
)

// Entry is a log line captured by a Recorder.
type Entry struct {
	Level   string
	Message string
	Fields  []Field
}

// Recorder is an in-memory Logger for tests and diagnostics.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  []Field
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) record(level, msg string, fields []Field) {
	all := make([]Field, 0, len(r.fields)+len(fields))
	all = append(all, r.fields...)
	all = append(all, fields...)

	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, Entry{Level: level, Message: msg, Fields: all})
}

func (r *Recorder) Debug(_ context.Context, msg string, fields ...Field) { r.record("debug", msg, fields) }
func (r *Recorder) Info(_ context.Context, msg string, fields ...Field)  { r.record("info", msg, fields) }
func (r *Recorder) Warn(_ context.Context, msg string, fields ...Field)  { r.record("warn", msg, fields) }
func (r *Recorder) Error(_ context.Context, msg string, fields ...Field) { r.record("error", msg, fields) }

// With returns a Recorder sharing the same entry list.
func (r *Recorder) With(fields ...Field) Logger {
	scoped := make([]Field, 0, len(r.fields)+len(fields))
	scoped = append(scoped, r.fields...)
	scoped = append(scoped, fields...)
	return &Recorder{mu: r.mu, entries: r.entries, fields: scoped}
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Count returns how many entries were recorded at level.
func (r *Recorder) Count(level string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}
