// Package bridge speaks the stdout and CLI contract of the live bridge subprocess.
//
// The bridge emits one JSON object per line. Every line is decoded into one of
// the event kinds below; fields are coerced individually and never trusted.
package bridge

import "time"

type Kind string

const (
	KindMeta    Kind = "meta"
	KindSample  Kind = "sample"
	KindComment Kind = "comment"
	KindGift    Kind = "gift"
	KindEnd     Kind = "end"
)

// Event is one of *Meta, *Sample, *Comment, *Gift or *End.
type Event interface {
	Kind() Kind
}

// Meta refreshes identity and status. Nil fields were omitted or unreadable.
type Meta struct {
	IsLive     *bool  `json:"isLive,omitempty"`
	StatusCode *int   `json:"statusCode,omitempty"`
	RoomId     string `json:"roomId,omitempty"`
	Title      string `json:"title,omitempty"`
	LikeCount  *int64 `json:"likeCount,omitempty"`
	EnterCount *int64 `json:"enterCount,omitempty"`
}

// Sample is one viewer observation. LikeCount and EnterCount are nil when
// the bridge omitted them or sent null; unreadable values are 0.
type Sample struct {
	CapturedAt  time.Time `json:"capturedAt"`
	ViewerCount int64     `json:"viewerCount"`
	LikeCount   *int64    `json:"likeCount,omitempty"`
	EnterCount  *int64    `json:"enterCount,omitempty"`
}

type Comment struct {
	CreatedAt    time.Time `json:"createdAt"`
	UserUniqueId *string   `json:"userUniqueId"`
	Nickname     *string   `json:"nickname"`
	Comment      string    `json:"comment"`
}

type Gift struct {
	CreatedAt    time.Time `json:"createdAt"`
	UserUniqueId *string   `json:"userUniqueId"`
	Nickname     *string   `json:"nickname"`
	GiftName     *string   `json:"giftName"`
	DiamondCount int64     `json:"diamondCount"`
	RepeatCount  int64     `json:"repeatCount"`
}

// Diamonds is the gift's total diamond value.
func (g *Gift) Diamonds() int64 {
	return g.DiamondCount * max(1, g.RepeatCount)
}

// End is the terminal signal. Error is nil on a clean end.
type End struct {
	IsLive   *bool    `json:"isLive,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Error    *string  `json:"error,omitempty"`
}

func (*Meta) Kind() Kind    { return KindMeta }
func (*Sample) Kind() Kind  { return KindSample }
func (*Comment) Kind() Kind { return KindComment }
func (*Gift) Kind() Kind    { return KindGift }
func (*End) Kind() Kind     { return KindEnd }
