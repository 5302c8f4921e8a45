package research

import (
	"sync"
	"sync/atomic"
)

// Session is the run-scoped state shared between the orchestrator, its
// workers and the progress loop.
type Session struct {
	Topic string
	Tasks []Task

	completed atomic.Int64
	succeeded atomic.Int64

	mu       sync.RWMutex
	status   map[int]TaskStatus
	outcomes map[int]TaskOutcome
}

func NewSession(topic string, tasks []Task) *Session {
	s := &Session{
		Topic:    topic,
		Tasks:    tasks,
		status:   make(map[int]TaskStatus, len(tasks)),
		outcomes: make(map[int]TaskOutcome, len(tasks)),
	}
	for _, t := range tasks {
		s.status[t.Index] = TaskPending
	}
	return s
}

// Start marks a pending task as running.
func (s *Session) Start(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[index]; ok && st == TaskPending {
		s.status[index] = TaskRunning
	}
}

// Record stores a terminal outcome and bumps the counters. Outcomes for an
// index outside Tasks or a second outcome for the same index are ignored and
// Record returns false.
func (s *Session) Record(o TaskOutcome) bool {
	if !o.Status.Terminal() {
		return false
	}

	s.mu.Lock()
	if st, ok := s.status[o.Index]; !ok || st.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.status[o.Index] = o.Status
	s.outcomes[o.Index] = o
	s.mu.Unlock()

	if o.Status == TaskSucceeded {
		s.succeeded.Add(1)
	}
	s.completed.Add(1)
	return true
}

func (s *Session) Completed() int {
	return int(s.completed.Load())
}

func (s *Session) Succeeded() int {
	return int(s.succeeded.Load())
}

func (s *Session) Total() int {
	return len(s.Tasks)
}

// Status returns the current status of the task at index.
func (s *Session) Status(index int) TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[index]
}

// Outcome returns the recorded outcome for index, if any.
func (s *Session) Outcome(index int) (TaskOutcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[index]
	return o, ok
}

// Outcomes returns a copy of all recorded outcomes in task order.
func (s *Session) Outcomes() []TaskOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskOutcome, 0, len(s.outcomes))
	for _, t := range s.Tasks {
		if o, ok := s.outcomes[t.Index]; ok {
			out = append(out, o)
		}
	}
	return out
}
