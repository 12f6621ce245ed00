package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/logging"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const googlePageSize = 250

// Google is a Gateway backed by the Google Calendar API. Remote ids are
// event ids and a source's RemotePath is its calendar id.
type Google struct {
	svc    *calendar.Service
	logger *slog.Logger
}

// NewGoogle creates a Google Calendar gateway. Authorization comes from the
// client options, typically option.WithTokenSource.
func NewGoogle(ctx context.Context, logger *slog.Logger, opts ...option.ClientOption) (*Google, error) {
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create calendar service: %w", ErrConnectionFailed, err)
	}

	return &Google{
		svc:    svc,
		logger: logging.OrDefault(logger).With("component", "google"),
	}, nil
}

// ListCalendars returns the calendars on the account's calendar list.
func (g *Google) ListCalendars(ctx context.Context) ([]Calendar, error) {
	var calendars []Calendar

	pageToken := ""
	for {
		call := g.svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		list, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list calendars: %w", classifyGoogleError(err))
		}

		for _, item := range list.Items {
			calendars = append(calendars, Calendar{
				Path:        item.Id,
				Name:        item.Summary,
				Description: item.Description,
				Color:       item.BackgroundColor,
			})
		}

		if list.NextPageToken == "" {
			return calendars, nil
		}
		pageToken = list.NextPageToken
	}
}

// ListChangedSince pages through events.list. With a stored sync token the
// provider returns only changes since that token; otherwise updatedMin is
// used. Cancelled events are reported as deletions.
func (g *Google) ListChangedSince(ctx context.Context, src *db.Source, since *time.Time) (*ChangeSet, error) {
	token := ""
	if since != nil {
		token = src.SyncToken
	}

	cs, err := g.listEvents(ctx, src.RemotePath, since, token)
	if err != nil && token != "" && isGone(err) {
		g.logger.Info("sync token expired, listing by update time", "source", src.ID)
		cs, err = g.listEvents(ctx, src.RemotePath, since, "")
	}
	if err != nil {
		return nil, err
	}

	return cs, nil
}

func (g *Google) listEvents(ctx context.Context, calendarID string, since *time.Time, syncToken string) (*ChangeSet, error) {
	cs := &ChangeSet{}

	pageToken := ""
	for {
		call := g.svc.Events.List(calendarID).
			ShowDeleted(true).
			MaxResults(googlePageSize).
			Context(ctx)

		switch {
		case syncToken != "":
			call = call.SyncToken(syncToken)
		case since != nil:
			call = call.UpdatedMin(since.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		events, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", classifyGoogleError(err))
		}

		for _, ev := range events.Items {
			// Overrides of recurring events are not mirrored individually.
			if ev.RecurringEventId != "" {
				continue
			}
			entry, err := fromGoogleEvent(ev)
			if err != nil {
				cs.Malformed = append(cs.Malformed, Malformed{RemoteID: ev.Id, Reason: err.Error()})
				continue
			}
			cs.Entries = append(cs.Entries, *entry)
		}

		if events.NextPageToken == "" {
			cs.SyncToken = events.NextSyncToken
			return cs, nil
		}
		pageToken = events.NextPageToken
	}
}

// Create inserts a new event.
func (g *Google) Create(ctx context.Context, src *db.Source, entry *db.CalendarEntry) (string, string, error) {
	ev, err := toGoogleEvent(entry)
	if err != nil {
		return "", "", err
	}

	created, err := g.svc.Events.Insert(src.RemotePath, ev).Context(ctx).Do()
	if err != nil {
		return "", "", fmt.Errorf("failed to create event: %w", classifyGoogleError(err))
	}

	return created.Id, created.Etag, nil
}

// Update replaces an existing event.
func (g *Google) Update(ctx context.Context, src *db.Source, remoteID string, entry *db.CalendarEntry) (string, error) {
	ev, err := toGoogleEvent(entry)
	if err != nil {
		return "", err
	}

	updated, err := g.svc.Events.Update(src.RemotePath, remoteID, ev).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to update event: %w", classifyGoogleError(err))
	}

	return updated.Etag, nil
}

// Delete removes an event.
func (g *Google) Delete(ctx context.Context, src *db.Source, remoteID string) error {
	if err := g.svc.Events.Delete(src.RemotePath, remoteID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete event: %w", classifyGoogleError(err))
	}
	return nil
}

func fromGoogleEvent(ev *calendar.Event) (*RemoteEntry, error) {
	re := &RemoteEntry{}
	re.RemoteID = ev.Id
	re.UID = ev.ICalUID
	re.ETag = ev.Etag

	if ev.Status == "cancelled" {
		re.Deleted = true
		return re, nil
	}

	if ev.Start == nil || ev.End == nil {
		return nil, fmt.Errorf("%w: event %s has no start or end", ErrMalformedContent, ev.Id)
	}

	re.Title = ev.Summary
	re.Description = ev.Description
	re.Location = ev.Location
	re.Color = ev.ColorId

	if ev.Start.Date != "" {
		re.AllDay = true
		re.Start = ev.Start.Date
		re.End = ev.End.Date
	} else {
		start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
		if err != nil {
			return nil, fmt.Errorf("%w: start: %w", ErrMalformedContent, err)
		}
		end, err := time.Parse(time.RFC3339, ev.End.DateTime)
		if err != nil {
			return nil, fmt.Errorf("%w: end: %w", ErrMalformedContent, err)
		}
		re.Start = start.UTC().Format(time.RFC3339)
		re.End = end.UTC().Format(time.RFC3339)
	}

	for _, line := range ev.Recurrence {
		if strings.HasPrefix(line, "RRULE:") {
			re.Recurrence = strings.TrimPrefix(line, "RRULE:")
			break
		}
	}

	return re, nil
}

func toGoogleEvent(entry *db.CalendarEntry) (*calendar.Event, error) {
	ev := &calendar.Event{
		Summary:     entry.Title,
		Description: entry.Description,
		Location:    entry.Location,
		ColorId:     entry.Color,
	}

	if entry.AllDay {
		ev.Start = &calendar.EventDateTime{Date: entry.Start}
		ev.End = &calendar.EventDateTime{Date: entry.End}
	} else {
		if _, err := time.Parse(time.RFC3339, entry.Start); err != nil {
			return nil, fmt.Errorf("%w: start: %w", ErrMalformedContent, err)
		}
		if _, err := time.Parse(time.RFC3339, entry.End); err != nil {
			return nil, fmt.Errorf("%w: end: %w", ErrMalformedContent, err)
		}
		ev.Start = &calendar.EventDateTime{DateTime: entry.Start}
		ev.End = &calendar.EventDateTime{DateTime: entry.End}
	}

	if entry.Recurrence != "" {
		ev.Recurrence = []string{"RRULE:" + strings.TrimPrefix(entry.Recurrence, "RRULE:")}
	}

	return ev, nil
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusGone
}

// classifyGoogleError maps googleapi errors onto gateway sentinels.
func classifyGoogleError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests || hasReason(apiErr, "rateLimitExceeded", "userRateLimitExceeded"):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case apiErr.Code == http.StatusBadRequest:
		return fmt.Errorf("%w: %w", ErrMalformedContent, err)
	default:
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
}

func hasReason(apiErr *googleapi.Error, reasons ...string) bool {
	for _, item := range apiErr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}
