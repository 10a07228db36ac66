// Package calendar fetches and parses iCalendar (ICS) feeds.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	ics "github.com/arran4/golang-ical"
)

// ErrNotConfigured is returned when no feed URL is set.
var ErrNotConfigured = errors.New("calendar feed URL not configured")

// Event is one calendar entry.
type Event struct {
	Summary string    `json:"summary"`
	Start   time.Time `json:"start_time"`
	End     time.Time `json:"end_time"`
}

// Client fetches an ICS feed over HTTP.
type Client struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger
}

// NewClient creates a feed client.
func NewClient(feedURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        feedURL,
		logger:     logger,
	}
}

// FetchEvents downloads and parses the feed. Events are returned unfiltered.
func (c *Client) FetchEvents(ctx context.Context) ([]Event, error) {
	if c.url == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create calendar request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch calendar: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar feed returned status %d", resp.StatusCode)
	}

	events, err := Parse(resp.Body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Calendar fetched", "events", len(events))
	return events, nil
}

// Parse reads VEVENTs from an ICS document. Events without both DTSTART and
// DTEND are skipped.
func Parse(r io.Reader) ([]Event, error) {
	cal, err := ics.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	var events []Event
	for _, ev := range cal.Events() {
		startProp := ev.GetProperty(ics.ComponentPropertyDtStart)
		endProp := ev.GetProperty(ics.ComponentPropertyDtEnd)
		if startProp == nil || endProp == nil {
			continue
		}

		start, err := parseTime(startProp, false)
		if err != nil {
			continue
		}
		end, err := parseTime(endProp, true)
		if err != nil {
			continue
		}

		summary := "Untitled Event"
		if p := ev.GetProperty(ics.ComponentPropertySummary); p != nil && p.Value != "" {
			summary = unescapeText(p.Value)
		}
		events = append(events, Event{Summary: summary, Start: start, End: end})
	}
	return events, nil
}

// Upcoming returns events ending strictly after now, ordered by start and
// truncated to limit (limit <= 0 means no limit).
func Upcoming(events []Event, now time.Time, limit int) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if e.End.After(now) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
)

// parseTime normalizes a DTSTART/DTEND value. Date-only values start at
// midnight UTC, or end at the last instant of the day when endOfDay is set.
// Floating times are read as UTC.
func parseTime(p *ics.IANAProperty, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(p.Value)

	if isDateOnly(p, value) {
		d, err := time.ParseInLocation(dateLayout, value, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse date %q: %w", value, err)
		}
		if endOfDay {
			d = d.Add(24*time.Hour - time.Nanosecond)
		}
		return d, nil
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.ParseInLocation(dateTimeLayout, strings.TrimSuffix(value, "Z"), time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse datetime %q: %w", value, err)
		}
		return t, nil
	}

	loc := time.UTC
	if tzid := param(p, string(ics.ParameterTzid)); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(dateTimeLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse datetime %q: %w", value, err)
	}
	return t.UTC(), nil
}

func isDateOnly(p *ics.IANAProperty, value string) bool {
	if strings.EqualFold(param(p, string(ics.ParameterValue)), "DATE") {
		return true
	}
	return len(value) == len(dateLayout)
}

func param(p *ics.IANAProperty, name string) string {
	for k, v := range p.ICalParameters {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

var textUnescaper = strings.NewReplacer(`\,`, ",", `\;`, ";", `\n`, "\n", `\N`, "\n", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
