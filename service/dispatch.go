package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"worker-tracker/dto"
	"worker-tracker/pkg/workerclient"
)

type remoteTracker struct {
	client *workerclient.Client
}

// NewRemoteTracker serves the Tracker surface from a worker behind a tunnel.
func NewRemoteTracker(client *workerclient.Client) Tracker {
	return &remoteTracker{client: client}
}

func (r *remoteTracker) Check(ctx context.Context, req dto.CheckRequest) (*dto.CheckResponse, error) {
	return r.client.Check(ctx, req)
}

func (r *remoteTracker) StartTracking(ctx context.Context, req dto.StartTrackingRequest) (*dto.StartTrackingResponse, error) {
	return r.client.Start(ctx, req)
}

func (r *remoteTracker) StopTracking(ctx context.Context, req dto.StopTrackingRequest) (*dto.StopTrackingResponse, error) {
	return r.client.Stop(ctx, req)
}

// Dispatcher prefers the remote worker and runs locally only when the remote
// one is unavailable.
type Dispatcher struct {
	remote Tracker
	local  Tracker
}

func NewDispatcher(remote, local Tracker) *Dispatcher {
	return &Dispatcher{remote: remote, local: local}
}

func (d *Dispatcher) Check(ctx context.Context, req dto.CheckRequest) (*dto.CheckResponse, error) {
	resp, err := d.remote.Check(ctx, req)
	if d.fallback(ctx, "check", err) {
		return d.local.Check(ctx, req)
	}
	return resp, err
}

func (d *Dispatcher) StartTracking(ctx context.Context, req dto.StartTrackingRequest) (*dto.StartTrackingResponse, error) {
	resp, err := d.remote.StartTracking(ctx, req)
	if d.fallback(ctx, "start", err) {
		return d.local.StartTracking(ctx, req)
	}
	return resp, err
}

func (d *Dispatcher) StopTracking(ctx context.Context, req dto.StopTrackingRequest) (*dto.StopTrackingResponse, error) {
	resp, err := d.remote.StopTracking(ctx, req)
	if d.fallback(ctx, "stop", err) {
		return d.local.StopTracking(ctx, req)
	}
	return resp, err
}

func (d *Dispatcher) fallback(ctx context.Context, op string, err error) bool {
	if !errors.Is(err, workerclient.ErrUnavailable) {
		return false
	}
	zerolog.Ctx(ctx).Warn().Err(err).Str("op", op).Msg("remote worker unavailable, running locally")
	return true
}
