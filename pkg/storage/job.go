package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// State custom type for our enum
type State int

// Enum values for State
const (
	Pending   State = 0
	Completed State = 1
	Failed    State = 2
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Job is the history record of a processed job.
type Job struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Source string `gorm:"not null;default:''"`
	Prompt string `gorm:"not null;default:''"`
	Params string `gorm:"not null;default:''"`

	Seed          int64   `gorm:"not null;default:0"`
	Duration      float64 `gorm:"not null;default:0"`
	InferenceTime float64 `gorm:"not null;default:0"`
	AudioKey      string  `gorm:"not null;default:''"`
	Error         string  `gorm:"not null;default:''"`

	State State `gorm:"index;not null;default:0"`
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var v Job
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get job %s: %w", id, err)
	}
	return &v, nil
}

func (s *Store) SetJob(ctx context.Context, v *Job) error {
	if err := s.db.WithContext(ctx).Save(v).Error; err != nil {
		return fmt.Errorf("storage: failed to set job %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&Job{ID: id}, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("storage: failed to delete job %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, page, size int, orderBy string, filter ...Filter) ([]*Job, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * size
	vs := []*Job{}

	q := s.db.WithContext(ctx).Offset(offset).Limit(size)
	for _, f := range filter {
		q = q.Where(f.Query, f.Args...)
	}
	// Order by
	if orderBy != "" {
		q = q.Order(orderBy)
	}
	if err := q.Find(&vs).Error; err != nil {
		return nil, fmt.Errorf("storage: failed to list jobs: %w", err)
	}
	return vs, nil
}

func (s *Store) CountJobs(ctx context.Context, filter ...Filter) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&Job{})
	for _, f := range filter {
		q = q.Where(f.Query, f.Args...)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("storage: failed to count jobs: %w", err)
	}
	return n, nil
}
