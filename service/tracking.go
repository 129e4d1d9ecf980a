package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"worker-tracker/config"
	"worker-tracker/constant"
	"worker-tracker/dto"
	"worker-tracker/entities"
	"worker-tracker/pkg/bridge"
	"worker-tracker/pkg/livefeed"
	"worker-tracker/pkg/metrics"
	"worker-tracker/pkg/writequeue"
	"worker-tracker/repository"
)

const (
	restartReason  = "superseded by a new tracking request"
	stopReason     = "stopped by request"
	deleteReason   = "session deleted"
	shutdownReason = "worker shutting down"
	orphanReason   = "worker restarted before session was finalized"
)

// Tracker is the remote-control surface, served locally or by a remote worker.
type Tracker interface {
	Check(ctx context.Context, req dto.CheckRequest) (*dto.CheckResponse, error)
	StartTracking(ctx context.Context, req dto.StartTrackingRequest) (*dto.StartTrackingResponse, error)
	StopTracking(ctx context.Context, req dto.StopTrackingRequest) (*dto.StopTrackingResponse, error)
}

// Sessions is the read and delete side of tracked sessions.
type Sessions interface {
	ListSessions(ctx context.Context, username string, limit int) ([]*entities.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*entities.Session, []*entities.Sample, error)
	DeleteSession(ctx context.Context, id uuid.UUID) (bool, error)
}

type Dependencies struct {
	Repo     repository.SessionRepository
	Launcher Launcher
	Metrics  *metrics.Collector
	Feed     livefeed.Publisher
	Archiver Archiver
	Config   config.Tracker
}

// TrackingService owns every session from live check until its writes settle.
type TrackingService struct {
	repo     repository.SessionRepository
	launcher Launcher
	metrics  *metrics.Collector
	feed     livefeed.Publisher
	archiver Archiver
	cfg      config.Tracker
	registry *Registry
	now      func() time.Time

	startedAt time.Time
	mu        sync.Mutex
	settling  map[uuid.UUID]chan struct{}
	wg        sync.WaitGroup
}

func NewTrackingService(deps Dependencies) *TrackingService {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}
	if deps.Feed == nil {
		deps.Feed = livefeed.Nop()
	}
	if deps.Archiver == nil {
		deps.Archiver = nopArchiver{}
	}
	return &TrackingService{
		repo:      deps.Repo,
		launcher:  deps.Launcher,
		metrics:   deps.Metrics,
		feed:      deps.Feed,
		archiver:  deps.Archiver,
		cfg:       deps.Config,
		registry:  NewRegistry(),
		now:       func() time.Time { return time.Now().UTC() },
		startedAt: time.Now(),
		settling:  make(map[uuid.UUID]chan struct{}),
	}
}

func (s *TrackingService) ActiveJobs() int {
	return s.registry.Len()
}

func (s *TrackingService) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

func (s *TrackingService) Check(ctx context.Context, req dto.CheckRequest) (*dto.CheckResponse, error) {
	username, err := NormalizeUsername(req.Username)
	if err != nil {
		return nil, err
	}
	snap, err := s.liveCheck(ctx, username)
	if err != nil {
		return nil, err
	}
	return &dto.CheckResponse{Ok: true, Snapshot: snap}, nil
}

func (s *TrackingService) liveCheck(ctx context.Context, username string) (*bridge.Snapshot, error) {
	snap, err := s.launcher.Check(ctx, username)
	switch {
	case err != nil:
		s.metrics.LiveChecked("error")
		zerolog.Ctx(ctx).Warn().Err(err).Str("username", username).Msg("live check failed")
		if !errors.Is(err, ErrLiveCheckFailed) {
			err = fmt.Errorf("%w: %w", ErrLiveCheckFailed, err)
		}
		return nil, err
	case snap.IsLive:
		s.metrics.LiveChecked("live")
	default:
		s.metrics.LiveChecked("offline")
	}
	return snap, nil
}

func (s *TrackingService) StartTracking(ctx context.Context, req dto.StartTrackingRequest) (*dto.StartTrackingResponse, error) {
	opts, err := resolveOptions(req)
	if err != nil {
		return nil, err
	}
	username := opts.username
	logger := zerolog.Ctx(ctx).With().Str("username", username).Logger()

	var job *ActiveJob
	if opts.forceRestart {
		var previous *ActiveJob
		job, previous = s.registry.Replace(username, s.now())
		if previous != nil {
			logger.Info().Str("session_id", previous.SessionID().String()).Msg("force restarting tracking")
			previous.stop(restartReason)
		}
	} else {
		job, err = s.registry.Reserve(username, s.now())
		if err != nil {
			return nil, fmt.Errorf("%w: @%s", err, username)
		}
	}
	s.metrics.SetActiveJobs(s.registry.Len())

	snap, err := s.liveCheck(ctx, username)
	if err != nil {
		s.release(job)
		return nil, err
	}
	if !snap.IsLive {
		s.release(job)
		logger.Info().Int("status_code", snap.StatusCode).Msg("broadcaster is not live, tracking refused")
		return &dto.StartTrackingResponse{
			Ok:      true,
			Started: false,
			Message: fmt.Sprintf("@%s is not live right now", username),
		}, nil
	}

	session := newSession(username, snap, s.now())
	if err := s.repo.CreateSession(ctx, session); err != nil {
		s.release(job)
		logger.Error().Err(err).Msg("failed to create session")
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.metrics.SessionStarted()
	logger = logger.With().Str("session_id", session.ID.String()).Logger()
	// The session outlives the request that started it.
	ctx = logger.WithContext(context.WithoutCancel(ctx))

	t := s.track(ctx, job, session, snap)

	if !s.registry.Bind(job, session.ID) {
		// Stopped or superseded while the live check was running.
		s.finalize(ctx, t, nil, constant.FinalizeStopped, job.StopReason())
		return &dto.StartTrackingResponse{
			Ok:        true,
			SessionId: &session.ID,
			Started:   false,
			Message:   fmt.Sprintf("tracking @%s was stopped before it started", username),
		}, nil
	}

	proc, err := s.launcher.Start(ctx, bridge.Options{
		Mode:              constant.BridgeModeStream,
		Username:          username,
		DurationSec:       opts.durationSec,
		SampleIntervalSec: opts.sampleIntervalSec,
		MaxComments:       s.cfg.MaxComments,
		MaxGifts:          s.cfg.MaxGifts,
		CollectChat:       opts.collectChat,
	}, Handlers{
		OnEvent: func(ev bridge.Event) { s.onEvent(ctx, t, ev) },
		OnExit:  func(status ExitStatus) { s.onExit(ctx, t, status) },
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start bridge")
		msg := err.Error()
		s.finalize(ctx, t, &msg, constant.FinalizeFailed)
		return nil, err
	}
	if !job.attach(proc) {
		proc.Stop(job.StopReason())
	}

	logger.Info().
		Int("duration_sec", opts.durationSec).
		Float64("sample_interval_sec", opts.sampleIntervalSec).
		Bool("collect_chat", opts.collectChat).
		Msg("tracking started")

	return &dto.StartTrackingResponse{
		Ok:        true,
		SessionId: &session.ID,
		Started:   true,
		Message:   fmt.Sprintf("tracking @%s", username),
	}, nil
}

func (s *TrackingService) StopTracking(ctx context.Context, req dto.StopTrackingRequest) (*dto.StopTrackingResponse, error) {
	username, err := NormalizeUsername(req.Username)
	if err != nil {
		return nil, err
	}
	job := s.registry.Lookup(username)
	if job == nil {
		return &dto.StopTrackingResponse{
			Ok:      true,
			Stopped: false,
			Message: fmt.Sprintf("no active tracking for @%s", username),
		}, nil
	}

	s.stopJob(job, stopReason)
	resp := &dto.StopTrackingResponse{
		Ok:      true,
		Stopped: true,
		Message: fmt.Sprintf("stopped tracking @%s", username),
	}
	if id := job.SessionID(); id != uuid.Nil {
		resp.SessionId = &id
	}
	zerolog.Ctx(ctx).Info().Str("username", username).Str("session_id", job.SessionID().String()).Msg("tracking stopped")
	return resp, nil
}

// stopJob releases the handle before the process is gone; the exit is
// finalized later as a clean stop.
func (s *TrackingService) stopJob(job *ActiveJob, reason string) {
	s.registry.Evict(job)
	s.metrics.SetActiveJobs(s.registry.Len())
	job.stop(reason)
}

func (s *TrackingService) release(job *ActiveJob) {
	s.registry.Evict(job)
	s.metrics.SetActiveJobs(s.registry.Len())
}

func (s *TrackingService) ListSessions(ctx context.Context, username string, limit int) ([]*entities.Session, error) {
	if username != "" {
		normalized, err := NormalizeUsername(username)
		if err != nil {
			return nil, err
		}
		username = normalized
	}
	return s.repo.ListSessions(ctx, username, limit)
}

func (s *TrackingService) GetSession(ctx context.Context, id uuid.UUID) (*entities.Session, []*entities.Sample, error) {
	session, err := s.repo.FindSessionById(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, err
	}
	samples, err := s.repo.GetSamplesBySessionId(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return session, samples, nil
}

// DeleteSession force-stops the session if it is still tracked, waits for
// its writes to settle and then removes it.
func (s *TrackingService) DeleteSession(ctx context.Context, id uuid.UUID) (bool, error) {
	if job := s.registry.Get(id); job != nil {
		s.stopJob(job, deleteReason)
	}

	s.mu.Lock()
	settled := s.settling[id]
	s.mu.Unlock()
	if settled != nil {
		select {
		case <-settled:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	session, err := s.repo.FindSessionById(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrSessionNotFound
		}
		return false, err
	}
	if err := s.repo.DeleteSession(ctx, id); err != nil {
		return false, err
	}
	if err := s.archiver.Remove(ctx, session.Username, id); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", id.String()).Msg("failed to remove session archive")
	}
	zerolog.Ctx(ctx).Info().Str("session_id", id.String()).Str("username", session.Username).Msg("session deleted")
	return true, nil
}

// RecoverOrphans closes sessions left open by a previous worker process.
func (s *TrackingService) RecoverOrphans(ctx context.Context) error {
	n, err := s.repo.CloseOpenSessions(ctx, s.now(), orphanReason)
	if err != nil {
		return err
	}
	if n > 0 {
		zerolog.Ctx(ctx).Warn().Int64("sessions", n).Msg("closed sessions orphaned by a restart")
	}
	return nil
}

// Shutdown stops every job and waits until their writes settle.
func (s *TrackingService) Shutdown(ctx context.Context) error {
	for _, job := range s.registry.Jobs() {
		s.stopJob(job, shutdownReason)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type tracking struct {
	job     *ActiveJob
	session *entities.Session
	state   *JobState
	queue   *writequeue.Queue
	settled chan struct{}
}

func newSession(username string, snap *bridge.Snapshot, now time.Time) *entities.Session {
	session := &entities.Session{
		ID:         uuid.New(),
		Username:   username,
		StartedAt:  now,
		IsLive:     snap.IsLive,
		StatusCode: snap.StatusCode,
		LikeCount:  snap.LikeCount,
		EnterCount: snap.EnterCount,
		Warnings:   pq.StringArray{},
	}
	if snap.RoomId != "" {
		session.RoomId = &snap.RoomId
	}
	if snap.Title != "" {
		session.Title = &snap.Title
	}
	session.Warnings = append(session.Warnings, snap.Warnings...)
	return session
}

func (s *TrackingService) track(ctx context.Context, job *ActiveJob, session *entities.Session, snap *bridge.Snapshot) *tracking {
	t := &tracking{
		job:     job,
		session: session,
		state:   NewJobState(session.ID, session.Username, snap),
		settled: make(chan struct{}),
	}
	t.queue = writequeue.New(ctx, func(err error) {
		s.metrics.WriteFailed()
		zerolog.Ctx(ctx).Warn().Err(err).Msg("session write failed")
		t.state.AddWriteFailure("write failed: " + err.Error())
	})

	s.mu.Lock()
	s.settling[session.ID] = t.settled
	s.mu.Unlock()
	s.wg.Add(1)
	return t
}

func (s *TrackingService) onEvent(ctx context.Context, t *tracking, ev bridge.Event) {
	s.metrics.EventParsed(string(ev.Kind()))
	w := t.state.Apply(ev)
	id := t.session.ID

	switch {
	case w.Sample != nil:
		t.queue.Enqueue(func(ctx context.Context) error { return s.repo.InsertSample(ctx, w.Sample) })
	case w.Comment != nil:
		t.queue.Enqueue(func(ctx context.Context) error { return s.repo.InsertComment(ctx, w.Comment) })
	case w.Gift != nil:
		t.queue.Enqueue(func(ctx context.Context) error { return s.repo.InsertGift(ctx, w.Gift) })
	}
	if len(w.Session) > 0 {
		w.Session["updated_at"] = s.now()
		t.queue.Enqueue(func(ctx context.Context) error { return s.repo.UpdateSession(ctx, id, w.Session) })
	}
	if w.Sample != nil || w.Comment != nil || w.Gift != nil || len(w.Session) > 0 {
		s.publish(t, string(ev.Kind()), ev)
	}

	if w.Finalize {
		outcome := constant.FinalizeCompleted
		if w.Failure != nil {
			outcome = constant.FinalizeFailed
		}
		s.finalize(ctx, t, w.Failure, outcome)
	}
}

func (s *TrackingService) onExit(ctx context.Context, t *tracking, status ExitStatus) {
	s.metrics.BridgeExited(status.Code)
	logger := zerolog.Ctx(ctx).With().Int("exit_code", status.Code).Str("stop_reason", status.StopReason).Logger()

	var stderr string
	if status.Stderr != "" {
		stderr = "bridge stderr: " + status.Stderr
	}

	switch {
	case status.StopReason != "":
		logger.Info().Msg("bridge stopped")
		s.finalize(ctx, t, nil, constant.FinalizeStopped, status.StopReason, stderr)
	case status.TimedOut:
		logger.Warn().Msg("bridge timed out")
		msg := "bridge timed out and was killed"
		s.finalize(ctx, t, &msg, constant.FinalizeFailed, stderr)
	case status.Err != nil:
		logger.Error().Err(status.Err).Msg("bridge failed")
		msg := fmt.Sprintf("bridge failed: %v", status.Err)
		s.finalize(ctx, t, &msg, constant.FinalizeFailed, stderr)
	case status.Code == 0:
		logger.Info().Msg("bridge exited")
		s.finalize(ctx, t, nil, constant.FinalizeCompleted, stderr)
	default:
		logger.Warn().Str("stderr", status.Stderr).Msg("bridge exited with error")
		msg := fmt.Sprintf("bridge exited with code %d", status.Code)
		if status.Stderr != "" {
			msg += ": " + status.Stderr
		}
		s.finalize(ctx, t, &msg, constant.FinalizeFailed)
	}
}

// finalize runs at most once per session; warnings passed to a later call
// are dropped. The handle is released only after the final writes have
// settled, unless a stop released it earlier.
func (s *TrackingService) finalize(ctx context.Context, t *tracking, failure *string, outcome constant.FinalizeOutcome, warnings ...string) {
	final, ok := t.state.Finalize(failure, s.now(), warnings...)
	if !ok {
		return
	}
	if final.Error != nil && outcome == constant.FinalizeCompleted {
		outcome = constant.FinalizeFailed
	}
	id := t.session.ID

	if final.Sample != nil {
		t.queue.Enqueue(func(ctx context.Context) error { return s.repo.InsertSample(ctx, final.Sample) })
	}
	t.queue.Enqueue(func(ctx context.Context) error {
		// Warnings are frozen at Finalize except for failures of writes
		// queued ahead of this one.
		final.Session["warnings"] = pq.StringArray(t.state.Stats().Warnings)
		final.Session["updated_at"] = s.now()
		return s.repo.UpdateSession(ctx, id, final.Session)
	})
	s.publish(t, "finalized", final.Session)
	t.queue.Close()

	go func() {
		defer s.wg.Done()
		<-t.queue.Done()

		s.release(t.job)
		s.metrics.SessionFinalized(string(outcome))
		s.archive(ctx, id)

		s.mu.Lock()
		delete(s.settling, id)
		s.mu.Unlock()
		close(t.settled)

		event := zerolog.Ctx(ctx).Info().Str("outcome", string(outcome))
		if final.Error != nil {
			event = event.Str("error", *final.Error)
		}
		event.Msg("session finalized")
	}()
}

func (s *TrackingService) archive(ctx context.Context, id uuid.UUID) {
	session, err := s.repo.FindSessionById(ctx, id)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to load session for archive")
		return
	}
	samples, err := s.repo.GetSamplesBySessionId(ctx, id)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to load samples for archive")
		return
	}
	if err := s.archiver.Archive(ctx, dto.SessionArchive{Session: session, Samples: samples}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to archive session")
	}
}

// publish forwards data to the live feed in write order. Feed errors are
// logged only.
func (s *TrackingService) publish(t *tracking, kind string, data any) {
	msg := livefeed.Message{
		Type:      kind,
		SessionId: t.session.ID,
		Username:  t.session.Username,
		At:        s.now(),
		Data:      data,
	}
	t.queue.Enqueue(func(ctx context.Context) error {
		if err := s.feed.Publish(ctx, msg); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Str("type", kind).Msg("live feed publish failed")
		}
		return nil
	})
}
