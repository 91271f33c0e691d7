package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"prop-engine/pkg/db"
)

// Rollover is the compliance tracker's end-of-day surface.
type Rollover interface {
	Rollover(ctx context.Context) error
	HasRolledOverToday(ctx context.Context, day time.Time) bool
}

// retention windows for the nightly purge.
const (
	barRetention    = 30 * 24 * time.Hour
	metricRetention = 7 * 24 * time.Hour
)

// Scheduler drives the calendar: the 08:00 weekday restart, the EOD
// strategy flatten, the balance rollover, and the nightly retention purge.
type Scheduler struct {
	cron    *cron.Cron
	tz      *time.Location
	manager *Manager
	tracker Rollover
	store   *db.Database
	logger  zerolog.Logger

	mu          sync.Mutex
	lastRestart string // yyyy-mm-dd guard against double execution
}

// NewScheduler wires the cron entries in the strategy timezone.
func NewScheduler(tz *time.Location, eodExit string, manager *Manager, tracker Rollover, store *db.Database, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(tz)),
		tz:      tz,
		manager: manager,
		tracker: tracker,
		store:   store,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}

	// Weekday 08:00 restart clears stale day state ahead of the open.
	if _, err := s.cron.AddFunc("0 8 * * 1-5", s.dailyRestart); err != nil {
		return nil, err
	}

	// EOD flatten at the configured exchange-local exit time.
	eod, err := parseClock(eodExit)
	if err != nil {
		return nil, err
	}
	eodSpec := cronSpec(eod)
	if _, err := s.cron.AddFunc(eodSpec, s.eodFlatten); err != nil {
		return nil, err
	}

	// Rollover after the session settles, 17:00 exchange local.
	if _, err := s.cron.AddFunc("0 17 * * 1-5", s.eodRollover); err != nil {
		return nil, err
	}

	// Nightly retention purge during the maintenance window.
	if _, err := s.cron.AddFunc("30 4 * * *", s.purge); err != nil {
		return nil, err
	}

	return s, nil
}

// Start runs the cron loop until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	go func() {
		<-ctx.Done()
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}()
}

// dailyRestart executes at most once per calendar day even if cron fires a
// duplicate inside the window.
func (s *Scheduler) dailyRestart() {
	today := time.Now().In(s.tz).Format("2006-01-02")
	s.mu.Lock()
	if s.lastRestart == today {
		s.mu.Unlock()
		s.logger.Warn().Str("day", today).Msg("restart already ran today, skipping")
		return
	}
	s.lastRestart = today
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	s.manager.ResetAll(ctx)
	s.logger.Info().Str("day", today).Msg("daily strategy restart complete")
}

func (s *Scheduler) eodFlatten() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s.manager.EODFlattenAll(ctx)
}

// eodRollover writes the EOD snapshot exactly once per day.
func (s *Scheduler) eodRollover() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if s.tracker.HasRolledOverToday(ctx, time.Now().UTC()) {
		s.logger.Warn().Msg("eod rollover already recorded today, skipping")
		return
	}
	if err := s.tracker.Rollover(ctx); err != nil {
		s.logger.Error().Err(err).Msg("eod rollover failed")
	}
}

func (s *Scheduler) purge() {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.store.Purge(ctx, barRetention, metricRetention); err != nil {
		s.logger.Warn().Err(err).Msg("retention purge failed")
	} else {
		s.logger.Info().Msg("retention purge complete")
	}
}

// cronSpec renders minutes-from-midnight as a weekday cron expression.
func cronSpec(minutes int) string {
	return fmt.Sprintf("%d %d * * 1-5", minutes%60, minutes/60)
}
