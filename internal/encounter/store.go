// Package encounter looks up the latest consultation of a patient together
// with the orientations the clinician gave in it.
package encounter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// Snapshot is the context the assistant may answer from.
type Snapshot struct {
	EncounterID   string
	Date          time.Time
	ClinicianName string
	Specialty     string
	Orientations  []Orientation
}

// DateBR formats the consultation date as DD/MM/YYYY.
func (s Snapshot) DateBR() string {
	return s.Date.Format("02/01/2006")
}

// DaysSince counts whole calendar days between the consultation and now,
// both taken in now's location. Future dates count as zero.
func (s Snapshot) DaysSince(now time.Time) uint {
	loc := now.Location()
	y, m, d := s.Date.In(loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	y, m, d = now.Date()
	to := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	days := math.Round(to.Sub(from).Hours() / 24)
	if days < 0 {
		return 0
	}
	return uint(days)
}

// OrientationsText renders the orientations as one bullet per line.
func (s Snapshot) OrientationsText() string {
	var b strings.Builder
	for i, o := range s.Orientations {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- [%s] %s", o.OrientationType, strings.TrimSpace(o.Content))
	}
	return b.String()
}

// Store returns the latest encounter carrying orientations, or nil when
// the patient has none.
type Store interface {
	GetLastEncounterWithOrientations(ctx context.Context, patientID string) (*Snapshot, error)
}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) GetLastEncounterWithOrientations(ctx context.Context, patientID string) (*Snapshot, error) {
	var e Encounter
	err := r.db.WithContext(ctx).
		Preload("Orientations", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Where("patient_id = ?", patientID).
		Where("EXISTS (SELECT 1 FROM orientations o WHERE o.encounter_id = encounters.id)").
		Order("occurred_at DESC").
		Order("id DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		EncounterID:   strconv.FormatUint(e.ID, 10),
		Date:          e.OccurredAt,
		ClinicianName: e.ClinicianName,
		Specialty:     e.Specialty,
		Orientations:  e.Orientations,
	}, nil
}

func (r *Repo) CreateEncounter(ctx context.Context, e *Encounter) error {
	return r.db.WithContext(ctx).Create(e).Error
}

// CachedStore memoizes hits for ttl. Misses are not cached so a freshly
// recorded encounter is visible on the next question.
type CachedStore struct {
	next  Store
	cache *cache.Cache
}

func NewCachedStore(next Store, ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *CachedStore) GetLastEncounterWithOrientations(ctx context.Context, patientID string) (*Snapshot, error) {
	if v, ok := c.cache.Get(patientID); ok {
		snap := v.(Snapshot)
		return &snap, nil
	}
	snap, err := c.next.GetLastEncounterWithOrientations(ctx, patientID)
	if err != nil || snap == nil {
		return snap, err
	}
	c.cache.Set(patientID, *snap, cache.DefaultExpiration)
	return snap, nil
}
