/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eligibility

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/smart_schedulers/internal/cache"
	"github.com/friendsincode/smart_schedulers/internal/models"
)

// StoreSource reads providers from the database and measurements from the
// latest-measurement cache, falling back to provider_measurements.
type StoreSource struct {
	db     *gorm.DB
	cache  *cache.Cache
	logger zerolog.Logger
	// A cached reading older than this is cross-checked against the database.
	fresh time.Duration
	now   func() time.Time
}

// NewStoreSource creates a Source. c may be nil.
func NewStoreSource(db *gorm.DB, c *cache.Cache, fresh time.Duration, logger zerolog.Logger) *StoreSource {
	return &StoreSource{
		db:     db,
		cache:  c,
		logger: logger.With().Str("component", "measurement_source").Logger(),
		fresh:  fresh,
		now:    time.Now,
	}
}

// Provider loads a provider, returning nil when it does not exist.
func (s *StoreSource) Provider(ctx context.Context, id uint) (*models.Provider, error) {
	var p models.Provider
	err := s.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestMeasurement returns the newest known reading for a provider, or nil.
func (s *StoreSource) LatestMeasurement(ctx context.Context, providerID uint) (*Reading, error) {
	var cached *Reading
	if s.cache != nil {
		m, ok, err := s.cache.LatestMeasurement(ctx, providerID)
		if err != nil {
			s.logger.Debug().Err(err).Uint("provider_id", providerID).Msg("measurement cache lookup failed")
		}
		if ok {
			cached = &Reading{Value: m.Value, Unit: m.Unit, MeasuredAt: m.MeasuredAt}
			if s.now().Sub(m.MeasuredAt) <= s.fresh {
				return cached, nil
			}
		}
	}

	var row models.ProviderMeasurement
	err := s.db.WithContext(ctx).
		Where("provider_id = ?", providerID).
		Order("measured_at DESC").
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return cached, nil
	}
	if err != nil {
		return nil, err
	}

	stored := &Reading{Value: row.MeasuredValue, Unit: row.MeasuredUnit, MeasuredAt: row.MeasuredAt}
	if cached != nil && cached.MeasuredAt.After(stored.MeasuredAt) {
		return cached, nil
	}
	return stored, nil
}

// CycleSource memoizes lookups for the duration of one planner cycle, so slots
// sharing a provider cost one lookup.
type CycleSource struct {
	inner Source

	mu        sync.Mutex
	providers map[uint]*models.Provider
	readings  map[uint]*Reading
}

// NewCycleSource wraps inner with a per-cycle memo.
func NewCycleSource(inner Source) *CycleSource {
	return &CycleSource{
		inner:     inner,
		providers: make(map[uint]*models.Provider),
		readings:  make(map[uint]*Reading),
	}
}

// Provider implements Source.
func (c *CycleSource) Provider(ctx context.Context, id uint) (*models.Provider, error) {
	c.mu.Lock()
	p, ok := c.providers[id]
	c.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := c.inner.Provider(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.providers[id] = p
	c.mu.Unlock()
	return p, nil
}

// LatestMeasurement implements Source.
func (c *CycleSource) LatestMeasurement(ctx context.Context, providerID uint) (*Reading, error) {
	c.mu.Lock()
	r, ok := c.readings[providerID]
	c.mu.Unlock()
	if ok {
		return r, nil
	}
	r, err := c.inner.LatestMeasurement(ctx, providerID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.readings[providerID] = r
	c.mu.Unlock()
	return r, nil
}
