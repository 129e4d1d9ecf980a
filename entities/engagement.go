package entities

import (
	"github.com/google/uuid"
	"time"
)

type Comment struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	SessionId    uuid.UUID `json:"session_id" gorm:"type:uuid;not null;index:idx_tracking_comments_session"`
	CreatedAt    time.Time `json:"created_at" gorm:"type:timestamptz;not null"`
	UserUniqueId *string   `json:"user_unique_id" gorm:"type:varchar(128)"`
	Nickname     *string   `json:"nickname" gorm:"type:varchar(255)"`
	Comment      string    `json:"comment" gorm:"type:text;not null"`
}

func (Comment) TableName() string {
	return "tracking_comments"
}

type Gift struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	SessionId    uuid.UUID `json:"session_id" gorm:"type:uuid;not null;index:idx_tracking_gifts_session"`
	CreatedAt    time.Time `json:"created_at" gorm:"type:timestamptz;not null"`
	UserUniqueId *string   `json:"user_unique_id" gorm:"type:varchar(128)"`
	Nickname     *string   `json:"nickname" gorm:"type:varchar(255)"`
	GiftName     *string   `json:"gift_name" gorm:"type:varchar(255)"`
	DiamondCount int64     `json:"diamond_count" gorm:"not null;default:0"`
	RepeatCount  int64     `json:"repeat_count" gorm:"not null;default:1"`
}

func (Gift) TableName() string {
	return "tracking_gifts"
}
