package dto

import (
	"github.com/google/uuid"
	"worker-tracker/constant"
	"worker-tracker/entities"
	"worker-tracker/pkg/bridge"
)

type CheckRequest struct {
	Username string `json:"username" binding:"required"`
}

type CheckResponse struct {
	Ok       bool             `json:"ok"`
	Snapshot *bridge.Snapshot `json:"snapshot,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type StartTrackingRequest struct {
	Username              string   `json:"username" binding:"required"`
	DurationSec           *float64 `json:"durationSec,omitempty"`
	PollIntervalSec       *float64 `json:"pollIntervalSec,omitempty"`
	CollectChatEvents     *bool    `json:"collectChatEvents,omitempty"`
	ForceRestartIfRunning *bool    `json:"forceRestartIfRunning,omitempty"`
}

type StartTrackingResponse struct {
	Ok        bool       `json:"ok"`
	SessionId *uuid.UUID `json:"sessionId,omitempty"`
	Started   bool       `json:"started"`
	Message   string     `json:"message"`
}

type StopTrackingRequest struct {
	Username string `json:"username" binding:"required"`
}

type StopTrackingResponse struct {
	Ok        bool       `json:"ok"`
	Stopped   bool       `json:"stopped"`
	SessionId *uuid.UUID `json:"sessionId,omitempty"`
	Message   string     `json:"message"`
}

type HealthResponse struct {
	Ok         bool   `json:"ok"`
	Service    string `json:"service"`
	ActiveJobs int    `json:"activeJobs"`
	UptimeSec  int64  `json:"uptimeSec"`
}

type ErrorResponse struct {
	Ok      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type SessionListResponse struct {
	Ok       bool                `json:"ok"`
	Sessions []*entities.Session `json:"sessions"`
}

type SessionDetailResponse struct {
	Ok      bool               `json:"ok"`
	Session *entities.Session  `json:"session"`
	Samples []*entities.Sample `json:"samples"`
}

type DeleteSessionResponse struct {
	Ok      bool `json:"ok"`
	Deleted bool `json:"deleted"`
}

// TrackCommandMessage is consumed from the tracking command queue.
type TrackCommandMessage struct {
	Action constant.TrackAction `json:"action"`
	StartTrackingRequest
}

// SessionArchive is the object written to storage once a session settles.
type SessionArchive struct {
	Session *entities.Session  `json:"session"`
	Samples []*entities.Sample `json:"samples"`
}
