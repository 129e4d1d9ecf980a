package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"worker-tracker/entities"
	"worker-tracker/pkg/bridge"
	"worker-tracker/repository"
)

type memoryRepo struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*entities.Session
	samples      []*entities.Sample
	comments     []*entities.Comment
	gifts        []*entities.Gift
	finalUpdates int
	failSamples  int
	sampleGate   chan struct{}
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sessions: make(map[uuid.UUID]*entities.Session)}
}

func (r *memoryRepo) Migrate(context.Context) error { return nil }

func (r *memoryRepo) CreateSession(_ context.Context, session *entities.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *session
	r.sessions[session.ID] = &clone
	return nil
}

func (r *memoryRepo) UpdateSession(_ context.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	for k, v := range updates {
		switch k {
		case "ended_at":
			at := v.(time.Time)
			s.EndedAt = &at
			r.finalUpdates++
		case "error":
			s.Error = v.(*string)
		case "warnings":
			s.Warnings = v.(pq.StringArray)
		case "is_live":
			s.IsLive = v.(bool)
		case "status_code":
			s.StatusCode = v.(int)
		case "title":
			title := v.(string)
			s.Title = &title
		case "viewer_count_start":
			s.ViewerCountStart = v.(int64)
		case "viewer_count_peak":
			s.ViewerCountPeak = v.(int64)
		case "viewer_count_avg":
			s.ViewerCountAvg = v.(float64)
		case "like_count":
			s.LikeCount = v.(int64)
		case "enter_count":
			s.EnterCount = v.(int64)
		case "total_comments":
			s.TotalComments = v.(int64)
		case "total_gifts":
			s.TotalGifts = v.(int64)
		case "total_diamonds":
			s.TotalDiamonds = v.(int64)
		}
	}
	return nil
}

func (r *memoryRepo) InsertSample(_ context.Context, sample *entities.Sample) error {
	if r.sampleGate != nil {
		<-r.sampleGate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSamples > 0 {
		r.failSamples--
		return errors.New("connection reset")
	}
	r.samples = append(r.samples, sample)
	return nil
}

func (r *memoryRepo) InsertComment(_ context.Context, comment *entities.Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comments = append(r.comments, comment)
	return nil
}

func (r *memoryRepo) InsertGift(_ context.Context, gift *entities.Gift) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gifts = append(r.gifts, gift)
	return nil
}

func (r *memoryRepo) FindSessionById(_ context.Context, id uuid.UUID) (*entities.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (r *memoryRepo) ListSessions(_ context.Context, username string, _ int) ([]*entities.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Session
	for _, s := range r.sessions {
		if username == "" || s.Username == username {
			clone := *s
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memoryRepo) GetSamplesBySessionId(_ context.Context, id uuid.UUID) ([]*entities.Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Sample
	for _, s := range r.samples {
		if s.SessionId == id {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memoryRepo) DeleteSession(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

func (r *memoryRepo) CloseOpenSessions(_ context.Context, endedAt time.Time, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.EndedAt == nil {
			at := endedAt
			msg := reason
			s.EndedAt = &at
			s.Error = &msg
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) session(id uuid.UUID) *entities.Session {
	s, _ := r.FindSessionById(context.Background(), id)
	return s
}

func (r *memoryRepo) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *memoryRepo) sampleCount(id uuid.UUID) int {
	samples, _ := r.GetSamplesBySessionId(context.Background(), id)
	return len(samples)
}

// fakeLauncher hands out processes driven by the test.
type fakeLauncher struct {
	mu       sync.Mutex
	snap     *bridge.Snapshot
	checkErr error
	startErr error
	procs    []*fakeProcess
}

func newFakeLauncher(live bool) *fakeLauncher {
	return &fakeLauncher{snap: &bridge.Snapshot{Ok: true, IsLive: live, StatusCode: 1}}
}

func (l *fakeLauncher) Check(context.Context, string) (*bridge.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.checkErr != nil {
		return nil, l.checkErr
	}
	snap := *l.snap
	return &snap, nil
}

func (l *fakeLauncher) Start(_ context.Context, opts bridge.Options, h Handlers) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return nil, l.startErr
	}
	p := &fakeProcess{opts: opts, h: h, done: make(chan struct{})}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type fakeProcess struct {
	opts bridge.Options
	h    Handlers
	done chan struct{}

	mu     sync.Mutex
	reason string
	stderr string
	exited bool
}

func (p *fakeProcess) Stop(reason string) {
	p.mu.Lock()
	if p.reason == "" {
		p.reason = reason
	}
	stderr := p.stderr
	p.mu.Unlock()
	go p.exit(ExitStatus{Code: -1, Stderr: stderr})
}

func (p *fakeProcess) emit(events ...bridge.Event) {
	for _, ev := range events {
		p.h.OnEvent(ev)
	}
}

func (p *fakeProcess) exit(status ExitStatus) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	status.StopReason = p.reason
	p.mu.Unlock()
	p.h.OnExit(status)
	close(p.done)
}

func (p *fakeProcess) waitExit(t *testing.T) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge exit was never handled")
	}
}
