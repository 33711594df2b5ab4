package hub

import (
	"fmt"
	"sync"
	"time"

	"paperdash/events"
)

// statusErrorCap bounds status.errors, the backward-compatible error strip
// shown on the dashboard header.
const statusErrorCap = 10

// errorLogCap bounds the full in-memory error log.
const errorLogCap = 100

// status holds the canonical bot snapshot. It is mutated by producers and
// read by the tick loop and the REST layer, so it carries its own lock
// rather than being confined to the run loop.
type status struct {
	mu        sync.Mutex
	running   bool
	startedAt time.Time
	paperMode bool
	symbols   []string
	errors    []string // cap statusErrorCap, newest last
	usage     *events.Usage
}

func (s *status) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running && !s.running {
		s.startedAt = time.Now()
	}
	s.running = running
}

func (s *status) setPaperMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paperMode = on
}

func (s *status) setSymbols(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = append([]string(nil), symbols...)
}

func (s *status) setUsage(u events.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = &u
}

// appendError pushes one line onto the display strip, evicting the oldest
// entry beyond the cap.
func (s *status) appendError(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, line)
	if len(s.errors) > statusErrorCap {
		s.errors = s.errors[len(s.errors)-statusErrorCap:]
	}
}

// snapshot renders the current status payload. Uptime is derived at call
// time so every tick rebroadcasts a fresh value.
func (s *status) snapshot() events.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uptime int64
	if s.running {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	out := events.Status{
		Running:       s.running,
		UptimeSeconds: uptime,
		PaperMode:     s.paperMode,
		Symbols:       append([]string(nil), s.symbols...),
		Errors:        append([]string(nil), s.errors...),
	}
	if s.usage != nil {
		u := *s.usage
		out.RateLimit = &u
	}
	return out
}

// errorLog keeps a bounded human-readable history of every broadcast error.
type errorLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *errorLog) append(cat events.ErrorCategory, msg string) string {
	line := fmt.Sprintf("%s [%s] %s", time.Now().Format(time.RFC3339), cat, msg)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, line)
	if len(l.entries) > errorLogCap {
		l.entries = l.entries[len(l.entries)-errorLogCap:]
	}
	return line
}

func (l *errorLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}
