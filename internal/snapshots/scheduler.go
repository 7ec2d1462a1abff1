package snapshots

import (
	"sort"
	"sync"
	"time"
)

// pendingCapture is the non-idle state of one key. An idle key has no entry.
type pendingCapture struct {
	deadline     time.Time
	hardDeadline time.Time
}

// Scheduler debounces work per key. Each Schedule call pushes the soft
// deadline out by the quiet period; the hard deadline is fixed by the first
// call after the key was idle, so continuous activity cannot defer work past
// maxWait. The scheduler has no timers of its own: callers poll Due.
type Scheduler struct {
	mu      sync.Mutex
	quiet   time.Duration
	maxWait time.Duration
	pending map[string]pendingCapture
}

// NewScheduler constructs a Scheduler. A maxWait shorter than quiet is raised to quiet.
func NewScheduler(quiet, maxWait time.Duration) *Scheduler {
	if maxWait < quiet {
		maxWait = quiet
	}
	return &Scheduler{
		quiet:   quiet,
		maxWait: maxWait,
		pending: make(map[string]pendingCapture),
	}
}

// Schedule records activity for key at now.
func (s *Scheduler) Schedule(key string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.pending[key]
	if !ok {
		state.hardDeadline = now.Add(s.maxWait)
	}
	state.deadline = now.Add(s.quiet)
	if state.deadline.After(state.hardDeadline) {
		state.deadline = state.hardDeadline
	}
	s.pending[key] = state
	pendingCaptures.Set(float64(len(s.pending)))
}

// Due returns, in key order, every key whose soft or hard deadline has passed
// and returns those keys to idle.
func (s *Scheduler) Due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for key, state := range s.pending {
		if !now.Before(state.deadline) || !now.Before(state.hardDeadline) {
			due = append(due, key)
		}
	}
	for _, key := range due {
		delete(s.pending, key)
	}
	sort.Strings(due)
	pendingCaptures.Set(float64(len(s.pending)))
	return due
}

// Drain returns every pending key regardless of deadline and resets the scheduler.
func (s *Scheduler) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	s.pending = make(map[string]pendingCapture)
	sort.Strings(keys)
	pendingCaptures.Set(0)
	return keys
}

// Pending reports how many keys are waiting.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
