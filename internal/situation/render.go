package situation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cart-inception/Yohan-Interface/internal/calendar"
	"github.com/cart-inception/Yohan-Interface/internal/weather"
)

const renderedEvents = 3

// Render formats b as the system message text stored on a session's first turn.
func Render(b Bundle) string {
	lines := []string{
		"Current time: " + b.CurrentTime.Format("Monday, January 02, 2006 at 03:04 PM"),
	}

	if b.Weather != nil {
		lines = append(lines, "Current weather: "+formatWeather(b.Weather.Current))
	} else {
		lines = append(lines, "Current weather: unavailable")
	}

	lines = append(lines, "Upcoming events: "+formatEvents(b.Calendar))

	if b.Location != "" {
		lines = append(lines, "Location: "+b.Location)
	}
	return strings.Join(lines, "\n")
}

func formatWeather(c weather.Current) string {
	return fmt.Sprintf("%s°F, %s, humidity %d%%, wind %s mph",
		trimFloat(c.Temp), c.Description, c.Humidity, trimFloat(c.WindSpeed))
}

func formatEvents(events []calendar.Event) string {
	if len(events) == 0 {
		return "No upcoming events"
	}
	n := min(len(events), renderedEvents)
	parts := make([]string, 0, n)
	for _, e := range events[:n] {
		parts = append(parts, fmt.Sprintf("%s (%s)", e.Summary, e.Start.Format("01/02 at 03:04 PM")))
	}
	return strings.Join(parts, "; ")
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
