// Package weather fetches current conditions and forecasts from OpenWeatherMap.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "https://api.openweathermap.org/data/3.0/onecall"
	hourlyEntries  = 24
	dailyEntries   = 7
)

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("weather API key not configured")
	// ErrMalformedResponse is returned when the upstream payload lacks required fields.
	ErrMalformedResponse = errors.New("malformed weather response")
)

// Coordinates is a latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Current is the present conditions.
type Current struct {
	Temp        float64   `json:"temp"`
	FeelsLike   float64   `json:"feels_like"`
	Humidity    int       `json:"humidity"`
	WindSpeed   float64   `json:"wind_speed"`
	Description string    `json:"description"`
	Sunrise     time.Time `json:"sunrise"`
	Sunset      time.Time `json:"sunset"`
}

// HourlyForecast is one hour of forecast.
type HourlyForecast struct {
	Time        time.Time `json:"time"`
	Temp        float64   `json:"temp"`
	Description string    `json:"description"`
}

// ForecastDay is one day of forecast.
type ForecastDay struct {
	Date        string  `json:"date"`
	MaxTemp     float64 `json:"max_temp"`
	MinTemp     float64 `json:"min_temp"`
	Description string  `json:"description"`
}

// Snapshot is a point-in-time weather report.
type Snapshot struct {
	Current  Current          `json:"current"`
	Hourly   []HourlyForecast `json:"hourly"`
	Daily    []ForecastDay    `json:"daily"`
	Location string           `json:"location"`
}

// Config configures a Client.
type Config struct {
	APIKey   string
	BaseURL  string
	Default  Coordinates
	Location string
	Timeout  time.Duration
}

// Client fetches weather over HTTP.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	defaults   Coordinates
	location   string
	logger     *slog.Logger
}

// NewClient creates a weather client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		defaults:   cfg.Default,
		location:   cfg.Location,
		logger:     logger,
	}
}

type oneCallCondition struct {
	Description string `json:"description"`
}

type oneCallResponse struct {
	Timezone string `json:"timezone"`
	Current  *struct {
		Temp      float64            `json:"temp"`
		FeelsLike float64            `json:"feels_like"`
		Humidity  int                `json:"humidity"`
		WindSpeed float64            `json:"wind_speed"`
		Sunrise   int64              `json:"sunrise"`
		Sunset    int64              `json:"sunset"`
		Weather   []oneCallCondition `json:"weather"`
	} `json:"current"`
	Hourly []struct {
		Dt      int64              `json:"dt"`
		Temp    float64            `json:"temp"`
		Weather []oneCallCondition `json:"weather"`
	} `json:"hourly"`
	Daily []struct {
		Dt   int64 `json:"dt"`
		Temp struct {
			Max float64 `json:"max"`
			Min float64 `json:"min"`
		} `json:"temp"`
		Weather []oneCallCondition `json:"weather"`
	} `json:"daily"`
}

// FetchWeather returns the report for coords, or for the configured default
// location when coords is nil.
func (c *Client) FetchWeather(ctx context.Context, coords *Coordinates) (*Snapshot, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	target := c.defaults
	location := c.location
	if coords != nil {
		target = *coords
		location = fmt.Sprintf("%.4f, %.4f", coords.Lat, coords.Lon)
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(target.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(target.Lon, 'f', -1, 64))
	q.Set("appid", c.apiKey)
	q.Set("units", "imperial")
	q.Set("exclude", "minutely,alerts")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create weather request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch weather: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("weather API returned status %d: %s", resp.StatusCode, body)
	}

	var data oneCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	snap, err := data.snapshot(location)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Weather fetched", "location", location, "temp", snap.Current.Temp)
	return snap, nil
}

func (r *oneCallResponse) snapshot(location string) (*Snapshot, error) {
	if r.Current == nil || len(r.Current.Weather) == 0 {
		return nil, fmt.Errorf("%w: current conditions missing", ErrMalformedResponse)
	}

	snap := &Snapshot{
		Current: Current{
			Temp:        r.Current.Temp,
			FeelsLike:   r.Current.FeelsLike,
			Humidity:    r.Current.Humidity,
			WindSpeed:   r.Current.WindSpeed,
			Description: r.Current.Weather[0].Description,
			Sunrise:     time.Unix(r.Current.Sunrise, 0).UTC(),
			Sunset:      time.Unix(r.Current.Sunset, 0).UTC(),
		},
		Hourly:   make([]HourlyForecast, 0, hourlyEntries),
		Daily:    make([]ForecastDay, 0, dailyEntries),
		Location: location,
	}

	for i, h := range r.Hourly {
		if i == hourlyEntries {
			break
		}
		if len(h.Weather) == 0 {
			return nil, fmt.Errorf("%w: hourly[%d] conditions missing", ErrMalformedResponse, i)
		}
		snap.Hourly = append(snap.Hourly, HourlyForecast{
			Time:        time.Unix(h.Dt, 0).UTC(),
			Temp:        h.Temp,
			Description: h.Weather[0].Description,
		})
	}

	for i, d := range r.Daily {
		if i == dailyEntries {
			break
		}
		if len(d.Weather) == 0 {
			return nil, fmt.Errorf("%w: daily[%d] conditions missing", ErrMalformedResponse, i)
		}
		snap.Daily = append(snap.Daily, ForecastDay{
			Date:        time.Unix(d.Dt, 0).UTC().Format("2006-01-02"),
			MaxTemp:     d.Temp.Max,
			MinTemp:     d.Temp.Min,
			Description: d.Weather[0].Description,
		})
	}

	return snap, nil
}
