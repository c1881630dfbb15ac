package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically reclaims expired uploads. It goes through the
// engine's regular locking discipline, so a sweep can never race an
// in-flight chunk write: either the write commits first, or the sweep wins
// and the write observes Gone.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper that runs one pass every interval.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: engine, interval: interval}
}

// Run blocks, sweeping on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.engine.Extensions().Has(ExtExpiration) {
		log.Info().Msg("expiration not negotiated, sweeper idle")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("expiration sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("expiration sweeper stopped")
			return
		case <-ticker.C:
			reclaimed, err := s.SweepOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("expiration sweep failed")
			} else if reclaimed > 0 {
				log.Info().Int("reclaimed", reclaimed).Msg("expiration sweep completed")
			}
		}
	}
}

// SweepOnce runs a single pass and returns how many uploads it reclaimed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expirer, ok := s.engine.store.(Expirer)
	if !ok {
		return 0, nil
	}

	ids, err := expirer.ListExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing expired uploads: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		if err := s.reclaim(ctx, id); err != nil {
			log.Error().Err(err).Str("id", id).Msg("failed to reclaim expired upload")
			continue
		}
		reclaimed++
	}

	return reclaimed, nil
}

// reclaim terminates one expired upload under its exclusive lock,
// re-validating expiry after acquisition. A concurrent write or completion
// that slipped in first simply makes the candidate ineligible.
func (s *Sweeper) reclaim(ctx context.Context, id string) error {
	e := s.engine

	release, err := e.locks.LockExclusive(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	info, err := e.store.ReadInfo(ctx, id)
	if err != nil {
		// Already reclaimed by a concurrent sweep or a client DELETE.
		if errors.Is(err, ErrUploadGone) || errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if !info.IsExpired(e.now()) || info.IsFinished() {
		return nil
	}

	return e.reclaimLocked(ctx, info)
}
