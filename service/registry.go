package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActiveJob pairs a broadcaster handle with the session and bridge process
// feeding it. A job is reserved before its session exists.
type ActiveJob struct {
	Username  string
	StartedAt time.Time

	mu         sync.Mutex
	sessionID  uuid.UUID
	proc       Process
	stopReason string
	stopped    bool
}

func (j *ActiveJob) SessionID() uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sessionID
}

func (j *ActiveJob) StopReason() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopReason
}

// attach hands the running process to the job. It returns false when the job
// was stopped in the meantime; the caller then owns stopping proc.
func (j *ActiveJob) attach(proc Process) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return false
	}
	j.proc = proc
	return true
}

// stop records reason and signals the process, if any. Only the first
// reason is kept.
func (j *ActiveJob) stop(reason string) {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return
	}
	j.stopped = true
	j.stopReason = reason
	proc := j.proc
	j.mu.Unlock()

	if proc != nil {
		proc.Stop(reason)
	}
}

// Registry enforces one active job per handle and per session id.
type Registry struct {
	mu        sync.Mutex
	byUser    map[string]*ActiveJob
	bySession map[uuid.UUID]*ActiveJob
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:    make(map[string]*ActiveJob),
		bySession: make(map[uuid.UUID]*ActiveJob),
	}
}

// Reserve claims username for a new job.
func (r *Registry) Reserve(username string, now time.Time) (*ActiveJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUser[username]; ok {
		return nil, ErrAlreadyRunning
	}
	job := &ActiveJob{Username: username, StartedAt: now}
	r.byUser[username] = job
	return job, nil
}

// Replace claims username for a new job, evicting the job that held it in
// the same step. The caller stops the returned previous job, if any.
func (r *Registry) Replace(username string, now time.Time) (job, previous *ActiveJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous = r.byUser[username]; previous != nil {
		r.evict(previous)
	}
	job = &ActiveJob{Username: username, StartedAt: now}
	r.byUser[username] = job
	return job, previous
}

// Bind records the session id of a reserved job. It fails if the job has
// been evicted since it was reserved.
func (r *Registry) Bind(job *ActiveJob, sessionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUser[job.Username] != job {
		return false
	}
	job.mu.Lock()
	job.sessionID = sessionID
	job.mu.Unlock()
	r.bySession[sessionID] = job
	return true
}

// Evict removes job from both indexes if it is still the registered one.
func (r *Registry) Evict(job *ActiveJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUser[job.Username] != job {
		return false
	}
	r.evict(job)
	return true
}

func (r *Registry) evict(job *ActiveJob) {
	delete(r.byUser, job.Username)
	if id := job.SessionID(); id != uuid.Nil && r.bySession[id] == job {
		delete(r.bySession, id)
	}
}

func (r *Registry) Lookup(username string) *ActiveJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUser[username]
}

func (r *Registry) Get(sessionID uuid.UUID) *ActiveJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bySession[sessionID]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

func (r *Registry) Jobs() []*ActiveJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]*ActiveJob, 0, len(r.byUser))
	for _, job := range r.byUser {
		jobs = append(jobs, job)
	}
	return jobs
}
