package entities

import (
	"github.com/google/uuid"
	"time"
)

type Sample struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	SessionId   uuid.UUID `json:"session_id" gorm:"type:uuid;not null;index:idx_tracking_samples_session"`
	CapturedAt  time.Time `json:"captured_at" gorm:"type:timestamptz;not null"`
	ViewerCount int64     `json:"viewer_count" gorm:"not null;default:0"`
	LikeCount   int64     `json:"like_count" gorm:"not null;default:0"`
	EnterCount  int64     `json:"enter_count" gorm:"not null;default:0"`
}

func (Sample) TableName() string {
	return "tracking_samples"
}
