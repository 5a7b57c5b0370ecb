// Package stats maintains cached aggregate counters derived from the
// reading set: totals, day streaks, time in range. Refreshed best-effort
// after successful pushes and on demand; reads always return the last
// cached value without touching the store.
package stats

import (
	"sync"
	"time"

	"github.com/diabetactic/glucotrack-core/internal/logging"
	"github.com/diabetactic/glucotrack-core/internal/models"
	"github.com/diabetactic/glucotrack-core/internal/store"
)

// Service computes and caches user statistics.
type Service struct {
	store *store.RecordStore

	mu     sync.RWMutex
	cached models.UserStats
}

// New creates a stats Service over the record store.
func New(recordStore *store.RecordStore) *Service {
	return &Service{store: recordStore}
}

// Current returns the last cached statistics.
func (s *Service) Current() models.UserStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached
}

// Refresh recomputes the counters from the current reading set.
func (s *Service) Refresh() error {
	readings, err := s.store.List()
	if err != nil {
		return err
	}

	computed := Compute(readings, time.Now())

	s.mu.Lock()
	s.cached = computed
	s.mu.Unlock()

	logging.Debug("Stats refreshed", map[string]interface{}{
		"total_readings": computed.TotalReadings,
		"streak_days":    computed.StreakDays,
		"in_range_pct":   computed.InRangePct,
	})
	return nil
}

// Compute derives statistics from a reading snapshot. Exposed for tests.
func Compute(readings []*models.Reading, now time.Time) models.UserStats {
	stats := models.UserStats{
		TotalReadings: len(readings),
		RefreshedAt:   now.Unix(),
	}
	if len(readings) == 0 {
		return stats
	}

	inRange := 0
	days := make(map[string]bool)
	for _, r := range readings {
		if r.Status == models.StatusNormal {
			inRange++
		}
		// Day streaks follow the timezone each reading was taken in.
		days[r.Time().Format("2006-01-02")] = true
	}
	stats.InRangePct = float64(inRange) / float64(len(readings)) * 100

	// Walk back day by day; a streak may start today or yesterday.
	day := now
	if !days[day.Format("2006-01-02")] {
		day = day.AddDate(0, 0, -1)
	}
	for days[day.Format("2006-01-02")] {
		stats.StreakDays++
		day = day.AddDate(0, 0, -1)
	}

	return stats
}
