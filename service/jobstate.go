package service

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"worker-tracker/entities"
	"worker-tracker/pkg/bridge"
)

// Writes is what one applied event asks the store to persist.
type Writes struct {
	Sample  *entities.Sample
	Comment *entities.Comment
	Gift    *entities.Gift
	Session map[string]interface{}

	// Finalize is set by an end event; Failure carries its error, if any.
	Finalize bool
	Failure  *string
}

// FinalWrites is the terminal write of a session.
type FinalWrites struct {
	Sample  *entities.Sample
	Session map[string]interface{}
	Error   *string
	Live    bool
}

// JobState accumulates the running statistics of one tracked session.
type JobState struct {
	mu sync.Mutex

	sessionID uuid.UUID
	username  string

	checkLive   bool
	streamLive  *bool
	isLive      bool
	statusCode  int
	roomID      string
	title       string
	likeCount   int64
	enterCount  int64
	viewerStart int64
	viewerPeak  int64
	viewerSum   int64
	sampleCount int64
	viewerAvg   float64

	commentCount int64
	giftCount    int64
	diamondTotal int64

	warnings  []string
	finalized bool
}

func NewJobState(sessionID uuid.UUID, username string, snap *bridge.Snapshot) *JobState {
	s := &JobState{sessionID: sessionID, username: username}
	if snap != nil {
		s.checkLive = snap.IsLive
		s.isLive = snap.IsLive
		s.statusCode = snap.StatusCode
		s.roomID = snap.RoomId
		s.title = snap.Title
		s.likeCount = snap.LikeCount
		s.enterCount = snap.EnterCount
		for _, w := range snap.Warnings {
			s.addWarning(w)
		}
	}
	return s
}

// Apply folds ev into the state. Events arriving after finalize are ignored.
func (s *JobState) Apply(ev bridge.Event) Writes {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return Writes{}
	}

	switch e := ev.(type) {
	case *bridge.Meta:
		return Writes{Session: s.applyMeta(e)}
	case *bridge.Sample:
		return s.applySample(e)
	case *bridge.Comment:
		s.commentCount++
		return Writes{
			Comment: &entities.Comment{
				ID:           uuid.New(),
				SessionId:    s.sessionID,
				CreatedAt:    e.CreatedAt,
				UserUniqueId: e.UserUniqueId,
				Nickname:     e.Nickname,
				Comment:      e.Comment,
			},
			Session: map[string]interface{}{"total_comments": s.commentCount},
		}
	case *bridge.Gift:
		s.giftCount++
		s.diamondTotal += e.Diamonds()
		return Writes{
			Gift: &entities.Gift{
				ID:           uuid.New(),
				SessionId:    s.sessionID,
				CreatedAt:    e.CreatedAt,
				UserUniqueId: e.UserUniqueId,
				Nickname:     e.Nickname,
				GiftName:     e.GiftName,
				DiamondCount: e.DiamondCount,
				RepeatCount:  e.RepeatCount,
			},
			Session: map[string]interface{}{
				"total_gifts":    s.giftCount,
				"total_diamonds": s.diamondTotal,
			},
		}
	case *bridge.End:
		if e.IsLive != nil {
			s.observe(*e.IsLive)
		}
		for _, w := range e.Warnings {
			s.addWarning(w)
		}
		return Writes{Finalize: true, Failure: e.Error}
	}
	return Writes{}
}

func (s *JobState) applyMeta(e *bridge.Meta) map[string]interface{} {
	updates := map[string]interface{}{}
	if e.IsLive != nil {
		s.observe(*e.IsLive)
		s.isLive = *e.IsLive
		updates["is_live"] = s.isLive
	}
	if e.StatusCode != nil && *e.StatusCode > 0 {
		s.statusCode = *e.StatusCode
		updates["status_code"] = s.statusCode
	}
	if e.RoomId != "" {
		s.roomID = e.RoomId
		updates["room_id"] = s.roomID
	}
	if e.Title != "" {
		s.title = e.Title
		updates["title"] = s.title
	}
	// A zero here means the bridge did not know the value on this tick.
	if e.LikeCount != nil && *e.LikeCount > 0 {
		s.likeCount = *e.LikeCount
		updates["like_count"] = s.likeCount
	}
	if e.EnterCount != nil && *e.EnterCount > 0 {
		s.enterCount = *e.EnterCount
		updates["enter_count"] = s.enterCount
	}
	if len(updates) == 0 {
		return nil
	}
	return updates
}

func (s *JobState) applySample(e *bridge.Sample) Writes {
	s.sampleCount++
	s.viewerSum += e.ViewerCount
	if s.sampleCount == 1 {
		s.viewerStart = e.ViewerCount
	}
	s.viewerPeak = max(s.viewerPeak, e.ViewerCount)
	if e.LikeCount != nil {
		s.likeCount = *e.LikeCount
	}
	if e.EnterCount != nil {
		s.enterCount = *e.EnterCount
	}
	s.viewerAvg = average(s.viewerSum, s.sampleCount)

	return Writes{
		Sample: &entities.Sample{
			ID:          uuid.New(),
			SessionId:   s.sessionID,
			CapturedAt:  e.CapturedAt,
			ViewerCount: e.ViewerCount,
			LikeCount:   s.likeCount,
			EnterCount:  s.enterCount,
		},
		Session: map[string]interface{}{
			"viewer_count_start": s.viewerStart,
			"viewer_count_peak":  s.viewerPeak,
			"viewer_count_avg":   s.viewerAvg,
			"like_count":         s.likeCount,
			"enter_count":        s.enterCount,
		},
	}
}

// observe records the stream's own verdict on liveness. Once seen live the
// session stays observed live.
func (s *JobState) observe(live bool) {
	if s.streamLive != nil && *s.streamLive {
		return
	}
	s.streamLive = &live
}

// AddWarning records msg unless it is already present. Warnings are frozen
// once the state is finalized.
func (s *JobState) AddWarning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	s.addWarning(msg)
}

// AddWriteFailure records a failed store write. Writes queued before the
// terminal update can still fail after Finalize, so these are accepted
// until the terminal update reads them.
func (s *JobState) AddWriteFailure(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addWarning(msg)
}

func (s *JobState) addWarning(msg string) {
	if msg == "" {
		return
	}
	for _, w := range s.warnings {
		if w == msg {
			return
		}
	}
	s.warnings = append(s.warnings, msg)
}

// Finalize closes the state exactly once, recording warnings with it. The
// second and later calls return ok == false and leave the state untouched.
func (s *JobState) Finalize(failure *string, endedAt time.Time, warnings ...string) (final FinalWrites, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return FinalWrites{}, false
	}
	s.finalized = true
	for _, w := range warnings {
		s.addWarning(w)
	}

	if s.sampleCount == 0 {
		s.sampleCount = 1
		final.Sample = &entities.Sample{
			ID:          uuid.New(),
			SessionId:   s.sessionID,
			CapturedAt:  endedAt,
			ViewerCount: 0,
			LikeCount:   s.likeCount,
			EnterCount:  s.enterCount,
		}
	}
	s.viewerAvg = average(s.viewerSum, s.sampleCount)

	live := s.checkLive
	if s.streamLive != nil {
		live = *s.streamLive
	}
	final.Live = live

	switch {
	case failure != nil && *failure != "":
		msg := *failure
		final.Error = &msg
	case !live:
		msg := offlineMessage(s.username)
		final.Error = &msg
	}

	final.Session = map[string]interface{}{
		"ended_at":           endedAt,
		"is_live":            s.isLive,
		"status_code":        s.statusCode,
		"viewer_count_start": s.viewerStart,
		"viewer_count_peak":  s.viewerPeak,
		"viewer_count_avg":   s.viewerAvg,
		"like_count":         s.likeCount,
		"enter_count":        s.enterCount,
		"total_comments":     s.commentCount,
		"total_gifts":        s.giftCount,
		"total_diamonds":     s.diamondTotal,
		"warnings":           pq.StringArray(append([]string{}, s.warnings...)),
		"error":              final.Error,
	}
	return final, true
}

func (s *JobState) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// Stats is a point-in-time copy of the running statistics.
type Stats struct {
	SampleCount   int64
	ViewerSum     int64
	ViewerStart   int64
	ViewerPeak    int64
	ViewerAvg     float64
	LikeCount     int64
	EnterCount    int64
	TotalComments int64
	TotalGifts    int64
	TotalDiamonds int64
	Warnings      []string
}

func (s *JobState) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SampleCount:   s.sampleCount,
		ViewerSum:     s.viewerSum,
		ViewerStart:   s.viewerStart,
		ViewerPeak:    s.viewerPeak,
		ViewerAvg:     s.viewerAvg,
		LikeCount:     s.likeCount,
		EnterCount:    s.enterCount,
		TotalComments: s.commentCount,
		TotalGifts:    s.giftCount,
		TotalDiamonds: s.diamondTotal,
		Warnings:      append([]string{}, s.warnings...),
	}
}

func offlineMessage(username string) string {
	return fmt.Sprintf("@%s was not live during tracking", username)
}

func average(sum, n int64) float64 {
	if n < 1 {
		n = 1
	}
	return math.Round(float64(sum)/float64(n)*100) / 100
}
