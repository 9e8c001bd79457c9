package jobs

import (
	"sync"
	"time"
)

// queue holds the state of one named queue. All fields are guarded by mu.
type queue struct {
	name QueueName

	mu        sync.Mutex
	jobs      map[string]*Job
	waiting   []string
	delayed   map[string]*time.Timer
	completed []string // oldest first
	failed    []string // oldest first
	active    int
	paused    bool

	// notify wakes one idle worker; claim re-signals while work remains
	notify chan struct{}
}

func newQueue(name QueueName) *queue {
	return &queue{
		name:    name,
		jobs:    make(map[string]*Job),
		delayed: make(map[string]*time.Timer),
		notify:  make(chan struct{}, 1),
	}
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// enqueueLocked appends job to the waiting list
func (q *queue) enqueueLocked(job *Job) {
	job.State = StateWaiting
	q.waiting = append(q.waiting, job.ID)
	q.signal()
}

// delayLocked parks job until d has passed
func (q *queue) delayLocked(job *Job, d time.Duration) {
	job.State = StateDelayed
	id := job.ID
	q.delayed[id] = time.AfterFunc(d, func() { q.promote(id) })
}

// promote moves a delayed job to the waiting list
func (q *queue) promote(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.delayed[id]; !ok {
		return
	}
	delete(q.delayed, id)

	if job, ok := q.jobs[id]; ok {
		q.enqueueLocked(job)
	}
}

// claim takes the oldest waiting job and marks it active
func (q *queue) claim(now time.Time) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil, false
	}

	for len(q.waiting) > 0 {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]

		job, ok := q.jobs[id]
		if !ok {
			continue
		}

		job.State = StateActive
		job.ProcessedAt = &now
		job.FinishedAt = nil
		q.active++

		if len(q.waiting) > 0 {
			q.signal()
		}
		return job.clone(), true
	}

	return nil, false
}

func (q *queue) stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Waiting:   len(q.waiting),
		Active:    q.active,
		Completed: len(q.completed),
		Failed:    len(q.failed),
		Delayed:   len(q.delayed),
		Paused:    q.paused,
	}
	s.Total = s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
	return s
}

// pruneLocked enforces retention on a finished list and returns the kept ids
func (q *queue) pruneLocked(ids []string, keep Retention, now time.Time) []string {
	cutoff := time.Time{}
	if keep.Age > 0 {
		cutoff = now.Add(-keep.Age)
	}

	drop := 0
	if keep.Count > 0 && len(ids) > keep.Count {
		drop = len(ids) - keep.Count
	}
	for drop < len(ids) && !cutoff.IsZero() {
		job, ok := q.jobs[ids[drop]]
		if ok && job.FinishedAt != nil && !job.FinishedAt.Before(cutoff) {
			break
		}
		drop++
	}

	for _, id := range ids[:drop] {
		delete(q.jobs, id)
	}
	return append(ids[:0:0], ids[drop:]...)
}

// cleanLocked removes up to limit jobs that finished before cutoff
func (q *queue) cleanLocked(ids []string, cutoff time.Time, limit int) ([]string, int) {
	kept := make([]string, 0, len(ids))
	removed := 0
	for _, id := range ids {
		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		if removed < limit && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	return kept, removed
}

// release stops delayed timers and drops all state
func (q *queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, id)
	}
	q.jobs = make(map[string]*Job)
	q.waiting = nil
	q.completed = nil
	q.failed = nil
}
