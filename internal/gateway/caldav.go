package gateway

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/logging"
)

const (
	minTLSVersion = tls.VersionTLS12
)

var errSyncUnsupported = errors.New("WebDAV-Sync not supported")

// CalDAV is a Gateway backed by a CalDAV server. Remote ids are object paths.
type CalDAV struct {
	baseURL      string
	httpClient   webdav.HTTPClient
	caldavClient *caldav.Client
	logger       *slog.Logger
}

// NewHTTPClient returns the transport used for CalDAV requests.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &http.Client{Transport: transport}
}

// WithBasicAuth wraps a client so each request carries basic credentials.
func WithBasicAuth(c *http.Client, username, password string) webdav.HTTPClient {
	return webdav.HTTPClientWithBasicAuth(c, username, password)
}

// NewCalDAV creates a CalDAV gateway. The client is responsible for
// authorization, e.g. WithBasicAuth or an oauth2 client.
func NewCalDAV(baseURL string, client webdav.HTTPClient, logger *slog.Logger) (*CalDAV, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	caldavClient, err := caldav.NewClient(client, baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &CalDAV{
		baseURL:      baseURL,
		httpClient:   client,
		caldavClient: caldavClient,
		logger:       logging.OrDefault(logger).With("component", "caldav"),
	}, nil
}

// ListCalendars discovers all calendars for the current user.
func (c *CalDAV) ListCalendars(ctx context.Context) ([]Calendar, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal: %w", classifyError(err))
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to find home set: %w", classifyError(err))
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", classifyError(err))
	}

	calendars := make([]Calendar, 0, len(cals))
	for _, cal := range cals {
		calendars = append(calendars, Calendar{
			Path:        cal.Path,
			Name:        cal.Name,
			Description: cal.Description,
		})
	}

	return calendars, nil
}

// ListChangedSince uses WebDAV-Sync when the server supports it and falls
// back to a calendar-query filtered by LAST-MODIFIED otherwise.
func (c *CalDAV) ListChangedSince(ctx context.Context, src *db.Source, since *time.Time) (*ChangeSet, error) {
	token := src.SyncToken
	if since == nil {
		token = ""
	}

	resp, err := c.syncCollection(ctx, src.RemotePath, token)
	if errors.Is(err, errSyncUnsupported) && token != "" {
		// The stored token may have been invalidated; restart from scratch.
		c.logger.Info("sync token rejected, requesting full sync", "source", src.ID)
		token = ""
		resp, err = c.syncCollection(ctx, src.RemotePath, token)
	}

	switch {
	case err == nil:
		return c.fromSyncResponse(ctx, resp, token == "")
	case errors.Is(err, errSyncUnsupported):
		c.logger.Debug("WebDAV-Sync unavailable, using calendar-query", "source", src.ID)
		return c.queryChangedSince(ctx, src.RemotePath, since)
	default:
		return nil, err
	}
}

func (c *CalDAV) queryChangedSince(ctx context.Context, calendarPath string, since *time.Time) (*ChangeSet, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			Comps:    []caldav.CalendarCompRequest{{Name: "VEVENT", AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  "VCALENDAR",
			Comps: []caldav.CompFilter{{Name: "VEVENT"}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", classifyError(err))
	}

	// The query returns the whole calendar, so absent objects are deletions.
	cs := &ChangeSet{Listed: make([]string, 0, len(objects))}
	for _, obj := range objects {
		cs.Listed = append(cs.Listed, normalizeHref(obj.Path))
		if since != nil {
			if modified, ok := lastModified(obj.Data); ok && modified.Before(*since) {
				continue
			}
		}
		c.appendObject(cs, normalizeHref(obj.Path), obj.ETag, obj.Data)
	}

	return cs, nil
}

// fromSyncResponse converts a sync-collection report. An initial report
// (full) lists every live member.
func (c *CalDAV) fromSyncResponse(ctx context.Context, resp *SyncResponse, full bool) (*ChangeSet, error) {
	cs := &ChangeSet{SyncToken: resp.SyncToken}
	if full {
		cs.Listed = make([]string, 0, len(resp.Changed))
	}

	for _, href := range resp.Deleted {
		cs.Entries = append(cs.Entries, RemoteEntry{
			CalendarEntry: db.CalendarEntry{RemoteID: normalizeHref(href)},
			Deleted:       true,
		})
	}

	for _, item := range resp.Changed {
		remoteID := normalizeHref(item.Path)
		if full {
			cs.Listed = append(cs.Listed, remoteID)
		}

		if item.Data == "" {
			// Some servers omit calendar-data from sync reports.
			obj, err := c.caldavClient.GetCalendarObject(ctx, remoteID)
			if err != nil {
				err = classifyError(err)
				if errors.Is(err, ErrNotFound) {
					cs.Entries = append(cs.Entries, RemoteEntry{
						CalendarEntry: db.CalendarEntry{RemoteID: remoteID},
						Deleted:       true,
					})
					continue
				}
				if errors.Is(err, ErrMalformedContent) {
					cs.Malformed = append(cs.Malformed, Malformed{RemoteID: remoteID, Reason: err.Error()})
					continue
				}
				return nil, fmt.Errorf("failed to fetch %s: %w", remoteID, err)
			}
			c.appendObject(cs, remoteID, obj.ETag, obj.Data)
			continue
		}

		cal, err := parseICalendar(item.Data)
		if err != nil {
			cs.Malformed = append(cs.Malformed, Malformed{RemoteID: remoteID, Reason: err.Error()})
			continue
		}
		c.appendObject(cs, remoteID, strings.Trim(item.ETag, `"`), cal)
	}

	return cs, nil
}

func (c *CalDAV) appendObject(cs *ChangeSet, remoteID, etag string, cal *ical.Calendar) {
	entry, err := decodeEntry(remoteID, etag, cal)
	if err != nil {
		c.logger.Warn("skipping malformed calendar object", "path", remoteID, "error", err)
		cs.Malformed = append(cs.Malformed, Malformed{RemoteID: remoteID, Reason: err.Error()})
		return
	}
	cs.Entries = append(cs.Entries, *entry)
}

// Create stores the entry as <calendar>/<uid>.ics.
func (c *CalDAV) Create(ctx context.Context, src *db.Source, entry *db.CalendarEntry) (string, string, error) {
	cal, err := encodeEntry(entry)
	if err != nil {
		return "", "", err
	}

	objectPath := strings.TrimSuffix(src.RemotePath, "/") + "/" + url.PathEscape(entryUID(entry)) + ".ics"

	obj, err := c.caldavClient.PutCalendarObject(ctx, objectPath, cal)
	if err != nil {
		return "", "", fmt.Errorf("failed to create event: %w", classifyError(err))
	}

	return objectPath, obj.ETag, nil
}

// Update replaces the object at remoteID.
func (c *CalDAV) Update(ctx context.Context, src *db.Source, remoteID string, entry *db.CalendarEntry) (string, error) {
	replacement := *entry
	if replacement.UID == "" {
		// Objects we created are named after their UID.
		replacement.UID = strings.TrimSuffix(path.Base(remoteID), ".ics")
	}

	cal, err := encodeEntry(&replacement)
	if err != nil {
		return "", err
	}

	obj, err := c.caldavClient.PutCalendarObject(ctx, remoteID, cal)
	if err != nil {
		return "", fmt.Errorf("failed to update event: %w", classifyError(err))
	}

	return obj.ETag, nil
}

// Delete removes the object at remoteID.
func (c *CalDAV) Delete(ctx context.Context, src *db.Source, remoteID string) error {
	if err := c.caldavClient.RemoveAll(ctx, remoteID); err != nil {
		return fmt.Errorf("failed to delete event: %w", classifyError(err))
	}
	return nil
}

// SyncItem represents a changed or new item from a sync operation.
type SyncItem struct {
	Path string
	ETag string
	Data string
}

// SyncResponse represents the result of a WebDAV-Sync operation.
type SyncResponse struct {
	SyncToken string
	Changed   []SyncItem
	Deleted   []string
}

// XML structures for parsing WebDAV-Sync responses
type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
	SyncToken string     `xml:"sync-token"`
}

type response struct {
	Href     string    `xml:"href"`
	PropStat *propstat `xml:"propstat"`
	Status   string    `xml:"status"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	GetETag      string `xml:"getetag"`
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

// syncCollection performs a WebDAV-Sync (RFC 6578) REPORT.
func (c *CalDAV) syncCollection(ctx context.Context, calendarPath, syncToken string) (*SyncResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "REPORT", c.buildURL(calendarPath),
		strings.NewReader(buildSyncCollectionRequest(syncToken)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMultiStatus:
	case http.StatusUnauthorized:
		return nil, ErrAuthFailed
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, calendarPath)
	case http.StatusForbidden, http.StatusConflict, http.StatusBadRequest,
		http.StatusNotImplemented, http.StatusMethodNotAllowed, http.StatusPreconditionFailed:
		// Unsupported report or an invalid sync token.
		return nil, errSyncUnsupported
	default:
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: unexpected status %d", ErrConnectionFailed, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrConnectionFailed, err)
	}

	return parseSyncResponse(body)
}

func buildSyncCollectionRequest(syncToken string) string {
	var tokenElement string
	if syncToken != "" {
		tokenElement = fmt.Sprintf("<D:sync-token>%s</D:sync-token>", xmlEscape(syncToken))
	} else {
		tokenElement = "<D:sync-token/>"
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<D:sync-collection xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  %s
  <D:sync-level>1</D:sync-level>
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
</D:sync-collection>`, tokenElement)
}

func parseSyncResponse(body []byte) (*SyncResponse, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrInvalidResponse, err)
	}

	result := &SyncResponse{
		SyncToken: ms.SyncToken,
		Changed:   make([]SyncItem, 0),
		Deleted:   make([]string, 0),
	}

	for _, resp := range ms.Responses {
		if strings.Contains(resp.Status, "404") {
			result.Deleted = append(result.Deleted, resp.Href)
			continue
		}

		// The collection itself carries no calendar data and no .ics suffix.
		if resp.PropStat != nil && strings.Contains(resp.PropStat.Status, "200") {
			if resp.PropStat.Prop.CalendarData == "" && !strings.HasSuffix(resp.Href, ".ics") {
				continue
			}
			result.Changed = append(result.Changed, SyncItem{
				Path: resp.Href,
				ETag: resp.PropStat.Prop.GetETag,
				Data: resp.PropStat.Prop.CalendarData,
			})
		}
	}

	return result, nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}

// buildURL constructs the full URL for a path.
// If path is absolute (starts with /), extract host from baseURL and combine.
// Otherwise, append path to baseURL.
func (c *CalDAV) buildURL(p string) string {
	if p == "" {
		return c.baseURL
	}

	if strings.HasPrefix(p, "/") {
		if idx := strings.Index(c.baseURL, "://"); idx != -1 {
			rest := c.baseURL[idx+3:]
			if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
				return c.baseURL[:idx+3] + rest[:slashIdx] + p
			}
		}
		return strings.TrimSuffix(c.baseURL, "/") + p
	}

	return strings.TrimSuffix(c.baseURL, "/") + "/" + p
}

// normalizeHref decodes an href so the same object always maps to the same remote id.
func normalizeHref(href string) string {
	if u, err := url.Parse(href); err == nil && u.Host != "" {
		href = u.Path
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		return decoded
	}
	return href
}

// classifyError maps go-webdav and transport errors onto gateway sentinels.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	case strings.Contains(msg, "404") || strings.Contains(msg, "410"):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "missing colon") ||
		(strings.Contains(msg, "invalid") && strings.Contains(msg, "ical")):
		return fmt.Errorf("%w: %w", ErrMalformedContent, err)
	default:
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
}
