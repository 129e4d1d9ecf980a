package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"worker-tracker/config"
	"worker-tracker/dto"
	"worker-tracker/pkg/bridge"
)

func newTestService(live bool) (*TrackingService, *memoryRepo, *fakeLauncher) {
	repo := newMemoryRepo()
	launcher := newFakeLauncher(live)
	svc := NewTrackingService(Dependencies{
		Repo:     repo,
		Launcher: launcher,
		Config:   config.Tracker{MaxComments: 1200, MaxGifts: 900},
	})
	return svc, repo, launcher
}

func waitSettled(t *testing.T, svc *TrackingService, id uuid.UUID) {
	t.Helper()
	svc.mu.Lock()
	settled := svc.settling[id]
	svc.mu.Unlock()
	if settled == nil {
		return
	}
	select {
	case <-settled:
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not settle", id)
	}
}

func start(t *testing.T, svc *TrackingService, req dto.StartTrackingRequest) uuid.UUID {
	t.Helper()
	resp, err := svc.StartTracking(context.Background(), req)
	require.NoError(t, err)
	require.True(t, resp.Started, resp.Message)
	require.NotNil(t, resp.SessionId)
	return *resp.SessionId
}

func TestStartTrackingOfflineCreatesNoSession(t *testing.T) {
	svc, repo, launcher := newTestService(false)

	resp, err := svc.StartTracking(context.Background(), dto.StartTrackingRequest{Username: "artist1"})
	require.NoError(t, err)
	assert.True(t, resp.Ok)
	assert.False(t, resp.Started)
	assert.Nil(t, resp.SessionId)
	assert.Contains(t, resp.Message, "not live")

	assert.Equal(t, 0, repo.sessionCount())
	assert.Empty(t, launcher.procs)
	assert.Equal(t, 0, svc.ActiveJobs())
}

func TestStartTrackingRejectsBadInput(t *testing.T) {
	svc, repo, launcher := newTestService(true)

	_, err := svc.StartTracking(context.Background(), dto.StartTrackingRequest{Username: "not a handle"})
	assert.ErrorIs(t, err, ErrInvalidUsername)

	negative := -5.0
	_, err = svc.StartTracking(context.Background(), dto.StartTrackingRequest{Username: "artist1", DurationSec: &negative})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	launcher.checkErr = errors.New("bridge crashed")
	_, err = svc.StartTracking(context.Background(), dto.StartTrackingRequest{Username: "artist1"})
	assert.ErrorIs(t, err, ErrLiveCheckFailed)

	assert.Equal(t, 0, repo.sessionCount())
	assert.Equal(t, 0, svc.ActiveJobs())
}

func TestStartTrackingPassesClampedOptions(t *testing.T) {
	svc, _, launcher := newTestService(true)
	duration, interval, chat := 3.0, 0.05, false

	start(t, svc, dto.StartTrackingRequest{
		Username:          "@Artist1",
		DurationSec:       &duration,
		PollIntervalSec:   &interval,
		CollectChatEvents: &chat,
	})

	opts := launcher.proc(0).opts
	assert.Equal(t, "artist1", opts.Username)
	assert.Equal(t, MinDurationSec, opts.DurationSec)
	assert.Equal(t, MinSampleIntervalSec, opts.SampleIntervalSec)
	assert.False(t, opts.CollectChat)
	assert.Equal(t, 1200, opts.MaxComments)
}

func TestStreamWithoutEndEventFinalizesCleanly(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	id := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})
	assert.Equal(t, 1, svc.ActiveJobs())

	p := launcher.proc(0)
	p.emit(
		&bridge.Sample{CapturedAt: time.Now(), ViewerCount: 3},
		&bridge.Sample{CapturedAt: time.Now(), ViewerCount: 6},
	)
	p.exit(ExitStatus{Code: 0})
	waitSettled(t, svc, id)

	session := repo.session(id)
	require.NotNil(t, session.EndedAt)
	assert.Nil(t, session.Error)
	assert.Equal(t, 2, repo.sampleCount(id))
	assert.Equal(t, 4.5, session.ViewerCountAvg)
	assert.Equal(t, int64(6), session.ViewerCountPeak)
	assert.Equal(t, 0, svc.ActiveJobs())
}

func TestBridgeFailureRecordsStderr(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	id := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})

	launcher.proc(0).exit(ExitStatus{Code: 1, Stderr: "network error"})
	waitSettled(t, svc, id)

	session := repo.session(id)
	require.NotNil(t, session.Error)
	assert.Contains(t, *session.Error, "network error")
	assert.Contains(t, *session.Error, "code 1")
	assert.Equal(t, 1, repo.sampleCount(id))
}

func TestBridgeTimeoutIsAFailure(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	id := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})

	launcher.proc(0).exit(ExitStatus{Code: -1, TimedOut: true})
	waitSettled(t, svc, id)

	require.NotNil(t, repo.session(id).Error)
	assert.Contains(t, *repo.session(id).Error, "timed out")
}

func TestStoppedAndTimedOutBridgesKeepStderr(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	stopped := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})
	p := launcher.proc(0)
	p.mu.Lock()
	p.stderr = "reconnecting to room"
	p.mu.Unlock()

	_, err := svc.StopTracking(context.Background(), dto.StopTrackingRequest{Username: "artist1"})
	require.NoError(t, err)
	p.waitExit(t)
	waitSettled(t, svc, stopped)

	warnings := []string(repo.session(stopped).Warnings)
	assert.Contains(t, warnings, stopReason)
	assert.Contains(t, warnings, "bridge stderr: reconnecting to room")

	timedOut := start(t, svc, dto.StartTrackingRequest{Username: "artist2"})
	launcher.proc(1).exit(ExitStatus{Code: -1, TimedOut: true, Stderr: "websocket stalled"})
	waitSettled(t, svc, timedOut)

	session := repo.session(timedOut)
	require.NotNil(t, session.Error)
	assert.Contains(t, *session.Error, "timed out")
	assert.Contains(t, []string(session.Warnings), "bridge stderr: websocket stalled")
}

func TestStopReleasesHandleBeforeExit(t *testing.T) {
	svc, repo, _ := newTestService(true)
	first := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})

	stop, err := svc.StopTracking(context.Background(), dto.StopTrackingRequest{Username: "@artist1"})
	require.NoError(t, err)
	assert.True(t, stop.Stopped)
	require.NotNil(t, stop.SessionId)
	assert.Equal(t, first, *stop.SessionId)
	assert.Equal(t, 0, svc.ActiveJobs())

	noForce := false
	second := start(t, svc, dto.StartTrackingRequest{Username: "artist1", ForceRestartIfRunning: &noForce})
	assert.NotEqual(t, first, second)

	waitSettled(t, svc, first)
	old := repo.session(first)
	require.NotNil(t, old.EndedAt)
	assert.Nil(t, old.Error)
	assert.Contains(t, []string(old.Warnings), stopReason)

	// The old job settling must not release the new one.
	assert.Equal(t, 1, svc.ActiveJobs())
	assert.Nil(t, repo.session(second).EndedAt)
}

func TestStopWithoutActiveJob(t *testing.T) {
	svc, _, _ := newTestService(true)

	resp, err := svc.StopTracking(context.Background(), dto.StopTrackingRequest{Username: "artist1"})
	require.NoError(t, err)
	assert.False(t, resp.Stopped)
	assert.Nil(t, resp.SessionId)
}

func TestStartTrackingForceRestart(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	first := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})
	second := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})

	waitSettled(t, svc, first)
	assert.Equal(t, restartReason, launcher.proc(0).reason)
	assert.Contains(t, []string(repo.session(first).Warnings), restartReason)

	noForce := false
	_, err := svc.StartTracking(context.Background(), dto.StartTrackingRequest{Username: "artist1", ForceRestartIfRunning: &noForce})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Nil(t, repo.session(second).EndedAt)
	assert.Equal(t, 1, svc.ActiveJobs())
}

func TestFinalizeOnceWhenEndRacesExit(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	id := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})
	p := launcher.proc(0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.emit(&bridge.End{Warnings: []string{"gift cap reached"}})
	}()
	go func() {
		defer wg.Done()
		p.exit(ExitStatus{Code: 0})
	}()
	wg.Wait()
	waitSettled(t, svc, id)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, 1, repo.finalUpdates)
}

func TestStopAfterEndDoesNotChangeFinalizedSession(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	repo.sampleGate = make(chan struct{})
	id := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})
	p := launcher.proc(0)

	p.emit(&bridge.Sample{CapturedAt: time.Now(), ViewerCount: 3}, &bridge.End{})

	// The write queue is still draining, so the handle is still held.
	resp, err := svc.StopTracking(context.Background(), dto.StopTrackingRequest{Username: "artist1"})
	require.NoError(t, err)
	assert.True(t, resp.Stopped)
	p.waitExit(t)

	close(repo.sampleGate)
	waitSettled(t, svc, id)

	session := repo.session(id)
	require.NotNil(t, session.EndedAt)
	assert.Nil(t, session.Error)
	assert.NotContains(t, []string(session.Warnings), stopReason)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, 1, repo.finalUpdates)
}

func TestConcurrentForceStartsNeverConflict(t *testing.T) {
	svc, _, _ := newTestService(true)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.StartTracking(context.Background(), dto.StartTrackingRequest{Username: "artist1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, svc.ActiveJobs())
	require.NoError(t, svc.Shutdown(context.Background()))
}

func TestWriteFailureBecomesWarning(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	repo.failSamples = 1
	id := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})

	p := launcher.proc(0)
	p.emit(
		&bridge.Sample{ViewerCount: 10},
		&bridge.Sample{ViewerCount: 20},
		&bridge.Comment{Comment: "first"},
		&bridge.Gift{DiamondCount: 2, RepeatCount: 5},
	)
	p.exit(ExitStatus{Code: 0})
	waitSettled(t, svc, id)

	session := repo.session(id)
	assert.Nil(t, session.Error)
	assert.Contains(t, []string(session.Warnings), "write failed: connection reset")
	assert.Equal(t, 1, repo.sampleCount(id))
	assert.Equal(t, int64(1), session.TotalComments)
	assert.Equal(t, int64(10), session.TotalDiamonds)
	assert.Len(t, repo.comments, 1)
	assert.Len(t, repo.gifts, 1)
}

func TestOfflineStreamRecordsOfflineError(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	id := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})

	notLive := false
	p := launcher.proc(0)
	p.emit(&bridge.Meta{IsLive: &notLive}, &bridge.End{IsLive: &notLive})
	p.exit(ExitStatus{Code: 0})
	waitSettled(t, svc, id)

	session := repo.session(id)
	require.NotNil(t, session.Error)
	assert.Contains(t, *session.Error, "not live")
}

func TestSpawnFailureFinalizesSession(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	launcher.startErr = errors.New("exec: python3: not found")

	_, err := svc.StartTracking(context.Background(), dto.StartTrackingRequest{Username: "artist1"})
	require.Error(t, err)

	sessions, _ := repo.ListSessions(context.Background(), "artist1", 0)
	require.Len(t, sessions, 1)
	id := sessions[0].ID
	waitSettled(t, svc, id)

	session := repo.session(id)
	require.NotNil(t, session.Error)
	assert.Contains(t, *session.Error, "not found")
	assert.Equal(t, 0, svc.ActiveJobs())
}

func TestDeleteActiveSession(t *testing.T) {
	svc, repo, launcher := newTestService(true)
	id := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})

	deleted, err := svc.DeleteSession(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, deleteReason, launcher.proc(0).reason)
	assert.Nil(t, repo.session(id))
	assert.Equal(t, 0, svc.ActiveJobs())

	_, err = svc.DeleteSession(context.Background(), id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetSession(t *testing.T) {
	svc, _, launcher := newTestService(true)
	id := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})
	launcher.proc(0).exit(ExitStatus{Code: 0})
	waitSettled(t, svc, id)

	session, samples, err := svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "artist1", session.Username)
	assert.Len(t, samples, 1)

	_, _, err = svc.GetSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecoverOrphans(t *testing.T) {
	svc, repo, _ := newTestService(true)
	require.NoError(t, repo.CreateSession(context.Background(), newSession("artist1", &bridge.Snapshot{IsLive: true}, time.Now())))
	require.NoError(t, repo.CreateSession(context.Background(), newSession("artist2", &bridge.Snapshot{IsLive: true}, time.Now())))

	require.NoError(t, svc.RecoverOrphans(context.Background()))

	sessions, _ := repo.ListSessions(context.Background(), "", 0)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		require.NotNil(t, s.EndedAt)
		assert.Equal(t, orphanReason, *s.Error)
	}
}

func TestShutdownStopsEveryJob(t *testing.T) {
	svc, repo, _ := newTestService(true)
	a := start(t, svc, dto.StartTrackingRequest{Username: "artist1"})
	b := start(t, svc, dto.StartTrackingRequest{Username: "artist2"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	assert.Equal(t, 0, svc.ActiveJobs())
	assert.NotNil(t, repo.session(a).EndedAt)
	assert.NotNil(t, repo.session(b).EndedAt)
	assert.Contains(t, []string(repo.session(a).Warnings), shutdownReason)
}
