package domain

import (
	"strconv"
	"strings"
	"time"
)

// CalendarEvent is the rendering of a time entry as a calendar event.
type CalendarEvent struct {
	ID          string // provider event id; empty until created
	StableKey   string // iCalUID
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Color       Color
}

// Summary returns the event title for an entry.
func Summary(e TimeEntry) string {
	if e.Description == "" {
		return "(No description)"
	}
	return e.Description
}

// RenderEvent builds the calendar event for e. Running entries always get
// ColorRunning, whatever color the mapping asked for.
func RenderEvent(e TimeEntry, projectName string, tagNames []string, color Color) CalendarEvent {
	lines := []string{"Toggl Entry: " + strconv.FormatInt(e.ID, 10)}
	if projectName != "" {
		lines = append(lines, "Project: "+projectName)
	}
	if len(tagNames) > 0 {
		lines = append(lines, "Tags: "+strings.Join(tagNames, ", "))
	}
	if e.Running() {
		color = ColorRunning
	}
	return CalendarEvent{
		StableKey:   e.StableKey(),
		Summary:     Summary(e),
		Description: strings.Join(lines, "\n"),
		Start:       e.Start,
		End:         e.EndTime(),
		Color:       color,
	}
}
