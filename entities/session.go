package entities

import (
	"github.com/google/uuid"
	"github.com/lib/pq"
	"time"
)

type Session struct {
	ID               uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	Username         string         `json:"username" gorm:"type:varchar(64);not null;index:idx_tracking_sessions_username"`
	StartedAt        time.Time      `json:"started_at" gorm:"type:timestamptz;not null"`
	EndedAt          *time.Time     `json:"ended_at" gorm:"type:timestamptz;index:idx_tracking_sessions_ended_at"`
	IsLive           bool           `json:"is_live" gorm:"not null;default:false"`
	StatusCode       int            `json:"status_code" gorm:"not null;default:0"`
	RoomId           *string        `json:"room_id" gorm:"type:varchar(64)"`
	Title            *string        `json:"title" gorm:"type:varchar(255)"`
	ViewerCountStart int64          `json:"viewer_count_start" gorm:"not null;default:0"`
	ViewerCountPeak  int64          `json:"viewer_count_peak" gorm:"not null;default:0"`
	ViewerCountAvg   float64        `json:"viewer_count_avg" gorm:"type:numeric(14,2);not null;default:0"`
	LikeCount        int64          `json:"like_count" gorm:"not null;default:0"`
	EnterCount       int64          `json:"enter_count" gorm:"not null;default:0"`
	TotalComments    int64          `json:"total_comments" gorm:"not null;default:0"`
	TotalGifts       int64          `json:"total_gifts" gorm:"not null;default:0"`
	TotalDiamonds    int64          `json:"total_diamonds" gorm:"not null;default:0"`
	Warnings         pq.StringArray `json:"warnings" gorm:"type:text[]"`
	Error            *string        `json:"error" gorm:"type:text"`
	CreatedAt        time.Time      `json:"created_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time      `json:"updated_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
}

func (Session) TableName() string {
	return "tracking_sessions"
}
