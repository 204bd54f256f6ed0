// Package gcal implements the calendar ports on top of the Google Calendar v3
// API.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"togglsync/internal/domain"
	"togglsync/internal/ports"
)

// Client is a CalendarClient bound to one user's credentials.
type Client struct {
	svc      *calendar.Service
	timezone string
	log      *slog.Logger
}

var _ ports.CalendarClient = (*Client)(nil)

// CreateEvent inserts ev keyed by its stable key. An event that already
// carries the key is returned as is.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, ev domain.CalendarEvent) (domain.CalendarEvent, error) {
	body := c.toAPI(ev, &calendar.Event{ICalUID: ev.StableKey})
	created, err := c.svc.Events.Insert(calendarID, body).Context(ctx).Do()
	if err == nil {
		return fromAPI(created), nil
	}
	if statusOf(err) == http.StatusConflict && ev.StableKey != "" {
		c.log.Warn("event already exists, finding it", slog.String("ical_uid", ev.StableKey))
		existing, ferr := c.FindEventByStableKey(ctx, calendarID, ev.StableKey)
		if ferr != nil {
			return domain.CalendarEvent{}, ferr
		}
		if existing != nil {
			return *existing, nil
		}
	}
	return domain.CalendarEvent{}, wrap("create event", err)
}

// UpdateEvent rewrites summary, description, span and color of ev.ID and
// leaves every other field of the remote event alone.
func (c *Client) UpdateEvent(ctx context.Context, calendarID string, ev domain.CalendarEvent) (domain.CalendarEvent, error) {
	cur, err := c.svc.Events.Get(calendarID, ev.ID).Context(ctx).Do()
	if err != nil {
		if gone(err) {
			return domain.CalendarEvent{}, fmt.Errorf("update event %s: %w", ev.ID, domain.ErrRemoteNotFound)
		}
		return domain.CalendarEvent{}, wrap("get event", err)
	}
	updated, err := c.svc.Events.Update(calendarID, ev.ID, c.toAPI(ev, cur)).Context(ctx).Do()
	if err != nil {
		if gone(err) {
			return domain.CalendarEvent{}, fmt.Errorf("update event %s: %w", ev.ID, domain.ErrRemoteNotFound)
		}
		return domain.CalendarEvent{}, wrap("update event", err)
	}
	return fromAPI(updated), nil
}

// DeleteEvent removes an event. Missing events count as deleted.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err != nil && gone(err) {
		c.log.Warn("event not found, may already be deleted", slog.String("event", eventID))
		return nil
	}
	return wrap("delete event", err)
}

func (c *Client) FindEventByStableKey(ctx context.Context, calendarID, key string) (*domain.CalendarEvent, error) {
	res, err := c.svc.Events.List(calendarID).ICalUID(key).Context(ctx).Do()
	if err != nil {
		return nil, wrap("find event", err)
	}
	for _, it := range res.Items {
		if it.Status == "cancelled" {
			continue
		}
		ev := fromAPI(it)
		return &ev, nil
	}
	return nil, nil
}

func (c *Client) ListCalendars(ctx context.Context) ([]domain.RemoteCalendar, error) {
	var out []domain.RemoteCalendar
	err := c.svc.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
		for _, it := range page.Items {
			out = append(out, domain.RemoteCalendar{
				ID:         it.Id,
				Summary:    it.Summary,
				AccessRole: it.AccessRole,
				Primary:    it.Primary,
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list calendars", err)
	}
	return out, nil
}

// toAPI writes the synced fields of ev onto dst.
func (c *Client) toAPI(ev domain.CalendarEvent, dst *calendar.Event) *calendar.Event {
	dst.Summary = ev.Summary
	dst.Description = ev.Description
	dst.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: c.timezone}
	dst.End = &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: c.timezone}
	dst.ColorId = string(ev.Color)
	return dst
}

func fromAPI(e *calendar.Event) domain.CalendarEvent {
	out := domain.CalendarEvent{
		ID:          e.Id,
		StableKey:   e.ICalUID,
		Summary:     e.Summary,
		Description: e.Description,
		Color:       domain.Color(e.ColorId),
	}
	if e.Start != nil {
		out.Start, _ = time.Parse(time.RFC3339, e.Start.DateTime)
	}
	if e.End != nil {
		out.End, _ = time.Parse(time.RFC3339, e.End.DateTime)
	}
	return out
}

func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func gone(err error) bool {
	code := statusOf(err)
	return code == http.StatusNotFound || code == http.StatusGone
}

// wrap maps API failures onto domain errors. Token problems surface as
// domain.ErrNotConnected, everything else as domain.ErrRemoteAPI.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotConnected) || statusOf(err) == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrNotConnected, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrRemoteAPI, err)
}
