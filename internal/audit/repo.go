package audit

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Write appends rec. Records are never updated.
func (r *Repo) Write(ctx context.Context, rec Record) error {
	return r.db.WithContext(ctx).Create(&rec).Error
}

type ListFilter struct {
	Limit     int
	Emergency *bool
	Kind      string
}

// ListRecent returns records newest first.
func (r *Repo) ListRecent(ctx context.Context, f ListFilter) ([]Record, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	q := r.db.WithContext(ctx).Order("timestamp DESC").Limit(f.Limit)
	if f.Emergency != nil {
		q = q.Where("emergency = ?", *f.Emergency)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}

	var recs []Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// MemorySink keeps records in process. Used by tests and local runs
// without a database.
type MemorySink struct {
	mu   sync.Mutex
	recs []Record
}

func (m *MemorySink) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.recs))
	copy(out, m.recs)
	return out
}
