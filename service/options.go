package service

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"worker-tracker/dto"
)

const (
	MinDurationSec           = 15
	MaxDurationSec           = 21600
	MinSampleIntervalSec     = 0.2
	MaxSampleIntervalSec     = 30.0
	DefaultSampleIntervalSec = 1.0
)

var handlePattern = regexp.MustCompile(`^[a-z0-9._]{2,24}$`)

// NormalizeUsername trims whitespace and a leading @ and lowercases the handle.
func NormalizeUsername(raw string) (string, error) {
	username := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	if !handlePattern.MatchString(username) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, raw)
	}
	return username, nil
}

type trackOptions struct {
	username          string
	durationSec       int
	sampleIntervalSec float64
	collectChat       bool
	forceRestart      bool
}

func resolveOptions(req dto.StartTrackingRequest) (trackOptions, error) {
	username, err := NormalizeUsername(req.Username)
	if err != nil {
		return trackOptions{}, err
	}
	opts := trackOptions{
		username:          username,
		sampleIntervalSec: DefaultSampleIntervalSec,
		collectChat:       true,
		forceRestart:      true,
	}

	if v := req.DurationSec; v != nil {
		if !finite(*v) || *v < 0 {
			return trackOptions{}, fmt.Errorf("%w: durationSec must be a non-negative number", ErrInvalidOptions)
		}
		opts.durationSec = clampDuration(*v)
	}
	if v := req.PollIntervalSec; v != nil {
		if !finite(*v) || *v <= 0 {
			return trackOptions{}, fmt.Errorf("%w: pollIntervalSec must be a positive number", ErrInvalidOptions)
		}
		opts.sampleIntervalSec = math.Min(MaxSampleIntervalSec, math.Max(MinSampleIntervalSec, *v))
	}
	if req.CollectChatEvents != nil {
		opts.collectChat = *req.CollectChatEvents
	}
	if req.ForceRestartIfRunning != nil {
		opts.forceRestart = *req.ForceRestartIfRunning
	}
	return opts, nil
}

// clampDuration keeps 0 as "until the stream ends".
func clampDuration(sec float64) int {
	if sec == 0 {
		return 0
	}
	return int(math.Round(math.Min(MaxDurationSec, math.Max(MinDurationSec, sec))))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
