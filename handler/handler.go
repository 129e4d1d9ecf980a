package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"worker-tracker/constant"
	"worker-tracker/dto"
	"worker-tracker/pkg/workerclient"
	"worker-tracker/service"
)

type ServiceDependencies struct {
	Tracker service.Tracker
}

// TrackCommandHandler applies one queued start or stop command. Outcomes the
// caller cannot fix by retrying are acknowledged; anything else is returned
// so the consumer retries it.
func TrackCommandHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var command dto.TrackCommandMessage
	if err := json.Unmarshal(msg.Body, &command); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal track command")
		return backoff.Permanent(err)
	}

	logger := zerolog.Ctx(ctx).With().Str("action", string(command.Action)).Str("username", command.Username).Logger()

	switch command.Action {
	case constant.TrackActionStart:
		resp, err := deps.Tracker.StartTracking(ctx, command.StartTrackingRequest)
		if err != nil {
			return settle(logger, err)
		}
		logger.Info().Bool("started", resp.Started).Msg(resp.Message)
	case constant.TrackActionStop:
		resp, err := deps.Tracker.StopTracking(ctx, dto.StopTrackingRequest{Username: command.Username})
		if err != nil {
			return settle(logger, err)
		}
		logger.Info().Bool("stopped", resp.Stopped).Msg(resp.Message)
	default:
		return backoff.Permanent(fmt.Errorf("unknown track action %q", command.Action))
	}
	return nil
}

func settle(logger zerolog.Logger, err error) error {
	if retryable(err) {
		logger.Warn().Err(err).Msg("track command failed, will retry")
		return err
	}
	logger.Info().Err(err).Msg("track command rejected")
	return nil
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, service.ErrInvalidUsername),
		errors.Is(err, service.ErrInvalidOptions),
		errors.Is(err, service.ErrAlreadyRunning):
		return false
	}
	var apiErr *workerclient.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return true
}
