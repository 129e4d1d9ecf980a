package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"worker-tracker/entities"
)

var ErrNotFound = errors.New("record not found")

// SessionRepository is the write contract of the tracking core plus the
// read side used by the dashboard.
type SessionRepository interface {
	Migrate(ctx context.Context) error
	CreateSession(ctx context.Context, session *entities.Session) error
	UpdateSession(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error
	InsertSample(ctx context.Context, sample *entities.Sample) error
	InsertComment(ctx context.Context, comment *entities.Comment) error
	InsertGift(ctx context.Context, gift *entities.Gift) error
	FindSessionById(ctx context.Context, id uuid.UUID) (*entities.Session, error)
	ListSessions(ctx context.Context, username string, limit int) ([]*entities.Session, error)
	GetSamplesBySessionId(ctx context.Context, id uuid.UUID) ([]*entities.Sample, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	CloseOpenSessions(ctx context.Context, endedAt time.Time, reason string) (int64, error)
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *sql.DB) (SessionRepository, error) {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	if err != nil {
		return nil, err
	}
	return &repo{
		db: gormDB,
	}, nil
}

func (r *repo) GetDB(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *repo) Migrate(ctx context.Context) error {
	return r.GetDB(ctx).AutoMigrate(
		&entities.Session{},
		&entities.Sample{},
		&entities.Comment{},
		&entities.Gift{},
	)
}

func (r *repo) CreateSession(ctx context.Context, session *entities.Session) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	return r.GetDB(ctx).Create(session).Error
}

func (r *repo) UpdateSession(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	result := r.GetDB(ctx).Model(&entities.Session{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repo) InsertSample(ctx context.Context, sample *entities.Sample) error {
	if sample.ID == uuid.Nil {
		sample.ID = uuid.New()
	}
	return r.GetDB(ctx).Create(sample).Error
}

func (r *repo) InsertComment(ctx context.Context, comment *entities.Comment) error {
	if comment.ID == uuid.Nil {
		comment.ID = uuid.New()
	}
	return r.GetDB(ctx).Create(comment).Error
}

func (r *repo) InsertGift(ctx context.Context, gift *entities.Gift) error {
	if gift.ID == uuid.Nil {
		gift.ID = uuid.New()
	}
	return r.GetDB(ctx).Create(gift).Error
}

func (r *repo) FindSessionById(ctx context.Context, id uuid.UUID) (*entities.Session, error) {
	session := &entities.Session{}
	err := r.GetDB(ctx).First(session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *repo) ListSessions(ctx context.Context, username string, limit int) ([]*entities.Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var sessions []*entities.Session
	query := r.GetDB(ctx).Order("started_at DESC").Limit(limit)
	if username != "" {
		query = query.Where("username = ?", username)
	}
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) GetSamplesBySessionId(ctx context.Context, id uuid.UUID) ([]*entities.Sample, error) {
	var samples []*entities.Sample
	err := r.GetDB(ctx).Where("session_id = ?", id).Order("captured_at ASC").Find(&samples).Error
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func (r *repo) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return r.GetDB(ctx).Transaction(func(tx *gorm.DB) error {
		for _, child := range []interface{}{&entities.Sample{}, &entities.Comment{}, &entities.Gift{}} {
			if err := tx.Where("session_id = ?", id).Delete(child).Error; err != nil {
				return err
			}
		}
		result := tx.Where("id = ?", id).Delete(&entities.Session{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CloseOpenSessions finalizes rows left open by a worker that died before
// finalizing them.
func (r *repo) CloseOpenSessions(ctx context.Context, endedAt time.Time, reason string) (int64, error) {
	result := r.GetDB(ctx).Model(&entities.Session{}).
		Where("ended_at IS NULL").
		Updates(map[string]interface{}{
			"ended_at":   endedAt,
			"error":      reason,
			"updated_at": endedAt,
		})
	return result.RowsAffected, result.Error
}
