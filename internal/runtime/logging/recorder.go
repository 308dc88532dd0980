package logging

import "sync"

// Entry is one line captured by a Recorder.
type Entry struct {
	Level  string
	Msg    string
	Fields LogFields
	Err    error
}

// Recorder is a goroutine-safe ServiceLogger that keeps every line in memory.
// Children created through With share the parent's entry list.
type Recorder struct {
	shared *recorderLog
	fields LogFields
}

type recorderLog struct {
	mu      sync.Mutex
	entries []Entry
}

func NewRecorder() *Recorder {
	return &Recorder{shared: &recorderLog{}}
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	merged := make(LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Recorder{shared: r.shared, fields: merged}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.add("debug", msg, nil, fields) }
func (r *Recorder) Info(msg string, fields LogFields)  { r.add("info", msg, nil, fields) }
func (r *Recorder) Trace(msg string, fields LogFields) { r.add("trace", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields LogFields) {
	r.add("error", msg, err, fields)
}

// Entries returns a copy of everything logged so far.
func (r *Recorder) Entries() []Entry {
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	out := make([]Entry, len(r.shared.entries))
	copy(out, r.shared.entries)
	return out
}

// Find returns the first entry with the given message.
func (r *Recorder) Find(msg string) (Entry, bool) {
	for _, e := range r.Entries() {
		if e.Msg == msg {
			return e, true
		}
	}
	return Entry{}, false
}

func (r *Recorder) add(level, msg string, err error, fields LogFields) {
	merged := make(LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.shared.mu.Lock()
	r.shared.entries = append(r.shared.entries, Entry{Level: level, Msg: msg, Fields: merged, Err: err})
	r.shared.mu.Unlock()
}
