package llm

import (
	"strings"
	"time"

	"github.com/cart-inception/Yohan-Interface/internal/domain"
)

const sessionContextHeader = "\n\nCurrent Session Context:\n"

// DefaultSystemPrompt is the assistant persona. {{currentDateTime}} is
// replaced with the current time on every call.
const DefaultSystemPrompt = `You are Yohan, an intelligent assistant for a smart calendar display running on a Raspberry Pi touchscreen.

The current date is {{currentDateTime}}

About Yohan:
- You are designed specifically for a smart home calendar and weather display
- You are helpful, friendly, concise, and practical in your responses

Your capabilities include:
- Providing detailed information about weather conditions and forecasts
- Helping with calendar events and scheduling
- Answering general questions with accurate information
- Providing time and date information
- Offering helpful suggestions based on current context (weather, calendar, time)

When responding:
- Keep responses concise but informative
- Use the provided context (weather, calendar events, time) when relevant
- If you don't have specific information, be honest about limitations
- Avoid using bullet points in casual conversation, but use them for structured information when appropriate

Current context will be provided with each request, including weather data and upcoming calendar events when available. Use this context to provide personalized and relevant responses.`

// buildSystemPrompt joins the persona with session context. Stored system
// turns take precedence over a directly supplied context block.
func buildSystemPrompt(base string, now time.Time, systemTurns []string, directContext string) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(base, "{{currentDateTime}}", now.Format("Monday, January 02, 2006 at 03:04 PM")))

	switch {
	case len(systemTurns) > 0:
		for _, content := range systemTurns {
			b.WriteString(sessionContextHeader)
			b.WriteString(content)
		}
	case directContext != "":
		b.WriteString(sessionContextHeader)
		b.WriteString(directContext)
	}
	return b.String()
}

// shapeHistory splits history into system content and the last maxTurns
// dialogue turns. The dialogue never starts with an assistant turn.
func shapeHistory(history []Turn, maxTurns int) (system []string, dialogue []Turn) {
	for _, t := range history {
		if t.Role == domain.RoleSystem {
			system = append(system, t.Content)
			continue
		}
		dialogue = append(dialogue, t)
	}

	if maxTurns > 0 && len(dialogue) > maxTurns {
		dialogue = dialogue[len(dialogue)-maxTurns:]
	}
	for len(dialogue) > 0 && dialogue[0].Role != domain.RoleUser {
		dialogue = dialogue[1:]
	}
	return system, dialogue
}
