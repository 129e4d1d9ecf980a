package handler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"worker-tracker/dto"
	"worker-tracker/pkg/workerclient"
	"worker-tracker/service"
)

func delivery(body string) amqp.Delivery {
	return amqp.Delivery{Body: []byte(body)}
}

func TestTrackCommandStart(t *testing.T) {
	tracker := &fakeTracker{startResp: &dto.StartTrackingResponse{Ok: true, Started: true, Message: "tracking @artist1"}}
	deps := ServiceDependencies{Tracker: tracker}

	err := TrackCommandHandler(context.Background(), delivery(`{"action":"start","username":"artist1","pollIntervalSec":2}`), deps)
	require.NoError(t, err)
	require.Len(t, tracker.starts, 1)
	assert.Equal(t, "artist1", tracker.starts[0].Username)
	require.NotNil(t, tracker.starts[0].PollIntervalSec)
	assert.Equal(t, 2.0, *tracker.starts[0].PollIntervalSec)
}

func TestTrackCommandStop(t *testing.T) {
	tracker := &fakeTracker{}
	err := TrackCommandHandler(context.Background(), delivery(`{"action":"stop","username":"artist1"}`), ServiceDependencies{Tracker: tracker})
	require.NoError(t, err)
	require.Len(t, tracker.stops, 1)
	assert.Equal(t, "artist1", tracker.stops[0].Username)
}

func TestTrackCommandMalformedIsPermanent(t *testing.T) {
	for _, body := range []string{`not json`, `{"action":"pause","username":"artist1"}`} {
		err := TrackCommandHandler(context.Background(), delivery(body), ServiceDependencies{Tracker: &fakeTracker{}})
		var permanent *backoff.PermanentError
		assert.True(t, errors.As(err, &permanent), body)
	}
}

func TestTrackCommandRetryPolicy(t *testing.T) {
	cases := []struct {
		err   error
		retry bool
	}{
		{service.ErrInvalidUsername, false},
		{fmt.Errorf("%w: @artist1", service.ErrAlreadyRunning), false},
		{&workerclient.APIError{Status: 400, Message: "bad"}, false},
		{service.ErrLiveCheckFailed, true},
		{workerclient.ErrUnavailable, true},
		{&workerclient.APIError{Status: 500, Message: "boom"}, true},
		{errors.New("connection refused"), true},
	}
	for _, c := range cases {
		tracker := &fakeTracker{err: c.err}
		err := TrackCommandHandler(context.Background(), delivery(`{"action":"start","username":"artist1"}`), ServiceDependencies{Tracker: tracker})
		if c.retry {
			assert.ErrorIs(t, err, c.err)
		} else {
			assert.NoError(t, err)
		}
	}
}
