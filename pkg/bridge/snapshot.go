package bridge

import (
	"bytes"
	"time"
)

// Snapshot is the single result object printed by the bridge in check mode.
type Snapshot struct {
	Ok          bool      `json:"ok"`
	IsLive      bool      `json:"isLive"`
	StatusCode  int       `json:"statusCode"`
	RoomId      string    `json:"roomId,omitempty"`
	Title       string    `json:"title,omitempty"`
	ViewerCount int64     `json:"viewerCount"`
	LikeCount   int64     `json:"likeCount"`
	EnterCount  int64     `json:"enterCount"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Warnings    []string  `json:"warnings"`
	Error       string    `json:"error,omitempty"`
}

// ParseSnapshot returns the last JSON object in a check-mode output.
func ParseSnapshot(output []byte, now time.Time) (*Snapshot, bool) {
	lines := bytes.Split(output, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		fields, ok := decodeObject(lines[i])
		if !ok {
			continue
		}
		snap := &Snapshot{
			ViewerCount: countOrZero(fields["viewerCount"]),
			LikeCount:   countOrZero(fields["likeCount"]),
			EnterCount:  countOrZero(fields["enterCount"]),
			RoomId:      text(fields["roomId"]),
			Title:       text(fields["title"]),
			FetchedAt:   timestamp(fields["fetchedAt"], now),
			Warnings:    stringList(fields["warnings"]),
			Error:       text(fields["error"]),
		}
		if v := boolPtr(fields["ok"]); v != nil {
			snap.Ok = *v
		}
		if v := boolPtr(fields["isLive"]); v != nil {
			snap.IsLive = *v
		}
		if v := intPtr(fields["statusCode"]); v != nil {
			snap.StatusCode = *v
		}
		if snap.Warnings == nil {
			snap.Warnings = []string{}
		}
		return snap, true
	}
	return nil, false
}
