// Package situation gathers the situational context (time, weather, calendar,
// location) injected into a conversation.
package situation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cart-inception/Yohan-Interface/internal/calendar"
	"github.com/cart-inception/Yohan-Interface/internal/metrics"
	"github.com/cart-inception/Yohan-Interface/internal/weather"
)

const (
	DefaultWeatherTimeout  = 3 * time.Second
	DefaultCalendarTimeout = 2 * time.Second
	MaxCalendarEntries     = 10
	DefaultLocation        = "Des Moines, Iowa"
)

// WeatherSource supplies weather snapshots.
type WeatherSource interface {
	FetchWeather(ctx context.Context, coords *weather.Coordinates) (*weather.Snapshot, error)
}

// CalendarSource supplies calendar events.
type CalendarSource interface {
	FetchEvents(ctx context.Context) ([]calendar.Event, error)
}

// Bundle is the situational context at one instant. A nil Weather means the
// source was unavailable.
type Bundle struct {
	Weather     *weather.Snapshot `json:"weather_data"`
	Calendar    []calendar.Event  `json:"calendar_events"`
	CurrentTime time.Time         `json:"current_time"`
	Location    string            `json:"location"`
}

// Config tunes an Aggregator.
type Config struct {
	WeatherTimeout  time.Duration
	CalendarTimeout time.Duration
	Location        string
}

// Aggregator fetches weather and calendar concurrently, each under its own
// timeout, and never fails as a whole.
type Aggregator struct {
	weather  WeatherSource
	calendar CalendarSource
	cfg      Config
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewAggregator creates an aggregator. Either source may be nil.
func NewAggregator(w WeatherSource, c CalendarSource, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if cfg.WeatherTimeout <= 0 {
		cfg.WeatherTimeout = DefaultWeatherTimeout
	}
	if cfg.CalendarTimeout <= 0 {
		cfg.CalendarTimeout = DefaultCalendarTimeout
	}
	if cfg.Location == "" {
		cfg.Location = DefaultLocation
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		weather:  w,
		calendar: c,
		cfg:      cfg,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}
}

// Gather builds a Bundle. A failing or slow source degrades to its
// unavailable marker without affecting the other.
func (a *Aggregator) Gather(ctx context.Context) Bundle {
	bundle := Bundle{
		CurrentTime: a.now(),
		Location:    a.cfg.Location,
		Calendar:    []calendar.Event{},
	}

	var (
		snap   *weather.Snapshot
		events []calendar.Event
	)

	var g errgroup.Group
	if a.weather != nil {
		g.Go(func() error {
			s, err := withTimeout(ctx, a.cfg.WeatherTimeout, func(ctx context.Context) (*weather.Snapshot, error) {
				return a.weather.FetchWeather(ctx, nil)
			})
			if err != nil {
				a.sourceFailed("weather", err)
				return nil
			}
			snap = s
			return nil
		})
	}
	if a.calendar != nil {
		g.Go(func() error {
			evs, err := withTimeout(ctx, a.cfg.CalendarTimeout, a.calendar.FetchEvents)
			if err != nil {
				a.sourceFailed("calendar", err)
				return nil
			}
			events = evs
			return nil
		})
	}
	_ = g.Wait()

	if snap != nil {
		bundle.Weather = snap
		if snap.Location != "" {
			bundle.Location = snap.Location
		}
	}
	bundle.Calendar = calendar.Upcoming(events, a.now(), MaxCalendarEntries)
	return bundle
}

func (a *Aggregator) sourceFailed(source string, err error) {
	a.metrics.ContextFetchFailed(source)
	if errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("Context source timed out", "source", source)
		return
	}
	a.logger.Warn("Context source unavailable", "source", source, "error", err)
}

// withTimeout runs fn under d and returns once either fn finishes or the
// deadline passes, even if fn ignores its context.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
