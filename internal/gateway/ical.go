package gateway

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/macjediwizard/calmirror/internal/db"
)

const (
	prodID     = "-//calmirror//calmirror//EN"
	propColor  = "COLOR"
	icalUTC    = "20060102T150405Z"
	icalLocal  = "20060102T150405"
	statusGone = "CANCELLED"
)

// entryUID returns the iCalendar UID used for an entry on the remote side.
func entryUID(entry *db.CalendarEntry) string {
	if entry.UID != "" {
		return entry.UID
	}
	return entry.ID
}

// encodeEntry builds a single-event VCALENDAR for an entry.
func encodeEntry(entry *db.CalendarEntry) (*ical.Calendar, error) {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, entryUID(entry))
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	event.Props.SetText(ical.PropSummary, entry.Title)

	if entry.Description != "" {
		event.Props.SetText(ical.PropDescription, entry.Description)
	}
	if entry.Location != "" {
		event.Props.SetText(ical.PropLocation, entry.Location)
	}
	if entry.Color != "" {
		event.Props.SetText(propColor, entry.Color)
	}

	if entry.AllDay {
		start, err := time.Parse(db.DateLayout, entry.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: start: %w", ErrMalformedContent, err)
		}
		end, err := time.Parse(db.DateLayout, entry.End)
		if err != nil {
			return nil, fmt.Errorf("%w: end: %w", ErrMalformedContent, err)
		}
		event.Props.SetDate(ical.PropDateTimeStart, start)
		event.Props.SetDate(ical.PropDateTimeEnd, end)
	} else {
		start, err := time.Parse(time.RFC3339, entry.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: start: %w", ErrMalformedContent, err)
		}
		end, err := time.Parse(time.RFC3339, entry.End)
		if err != nil {
			return nil, fmt.Errorf("%w: end: %w", ErrMalformedContent, err)
		}
		event.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
		event.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	}

	if entry.Recurrence != "" {
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = strings.TrimPrefix(entry.Recurrence, "RRULE:")
		event.Props.Set(prop)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Children = append(cal.Children, event.Component)

	return cal, nil
}

// decodeEntry translates the first VEVENT of a calendar object.
// Recurrence overrides (events carrying RECURRENCE-ID) are ignored.
func decodeEntry(remoteID, etag string, cal *ical.Calendar) (*RemoteEntry, error) {
	if cal == nil {
		return nil, fmt.Errorf("%w: empty calendar data", ErrMalformedContent)
	}

	var event *ical.Event
	for _, evt := range cal.Events() {
		if evt.Props.Get(ical.PropRecurrenceID) == nil {
			e := evt
			event = &e
			break
		}
	}
	if event == nil {
		return nil, fmt.Errorf("%w: no VEVENT", ErrMalformedContent)
	}

	re := &RemoteEntry{}
	re.RemoteID = remoteID
	re.ETag = etag
	re.UID, _ = event.Props.Text(ical.PropUID)
	re.Title, _ = event.Props.Text(ical.PropSummary)
	re.Description, _ = event.Props.Text(ical.PropDescription)
	re.Location, _ = event.Props.Text(ical.PropLocation)
	re.Color, _ = event.Props.Text(propColor)

	if status, err := event.Props.Text(ical.PropStatus); err == nil && strings.EqualFold(status, statusGone) {
		re.Deleted = true
		return re, nil
	}

	dtstart := event.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("%w: missing DTSTART", ErrMalformedContent)
	}

	re.AllDay = isDateValue(dtstart)
	start, err := propTime(dtstart)
	if err != nil {
		return nil, fmt.Errorf("%w: DTSTART: %w", ErrMalformedContent, err)
	}

	var end time.Time
	if dtend := event.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		end, err = propTime(dtend)
		if err != nil {
			return nil, fmt.Errorf("%w: DTEND: %w", ErrMalformedContent, err)
		}
	} else if dur := event.Props.Get(ical.PropDuration); dur != nil {
		d, err := dur.Duration()
		if err != nil {
			return nil, fmt.Errorf("%w: DURATION: %w", ErrMalformedContent, err)
		}
		end = start.Add(d)
	} else if re.AllDay {
		end = start.AddDate(0, 0, 1)
	} else {
		end = start
	}

	if re.AllDay {
		re.Start = start.Format(db.DateLayout)
		re.End = end.Format(db.DateLayout)
	} else {
		re.Start = start.UTC().Format(time.RFC3339)
		re.End = end.UTC().Format(time.RFC3339)
	}

	if rrule := event.Props.Get(ical.PropRecurrenceRule); rrule != nil {
		re.Recurrence = rrule.Value
	}

	return re, nil
}

// lastModified returns the LAST-MODIFIED time of the first VEVENT, if any.
func lastModified(cal *ical.Calendar) (time.Time, bool) {
	if cal == nil {
		return time.Time{}, false
	}
	for _, evt := range cal.Events() {
		if prop := evt.Props.Get(ical.PropLastModified); prop != nil {
			if t, err := propTime(prop); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func isDateValue(prop *ical.Prop) bool {
	if prop.ValueType() == ical.ValueDate {
		return true
	}
	return len(prop.Value) == len("20060102")
}

// propTime parses a DATE or DATE-TIME property, honouring TZID including
// GMT offset forms that are not IANA names.
func propTime(prop *ical.Prop) (time.Time, error) {
	value := prop.Value

	if isDateValue(prop) {
		return time.Parse("20060102", value)
	}

	if strings.HasSuffix(value, "Z") {
		return time.Parse(icalUTC, value)
	}

	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			loc = parseGMTOffset(tzid)
		}
		if loc != nil {
			return time.ParseInLocation(icalLocal, value, loc)
		}
	}

	return prop.DateTime(time.UTC)
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			break
		}
	}

	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	}

	// Handle formats: "0400", "04:00", "4", "04"
	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		_, err = fmt.Sscanf(offset, "%d", &hours)
	case 3:
		_, err = fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		_, err = fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}
	if err != nil {
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}

// parseICalendar parses iCalendar data string into a calendar object.
func parseICalendar(data string) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}
	return cal, nil
}

// encodeCalendar encodes a calendar object to iCalendar text.
func encodeCalendar(cal *ical.Calendar) (string, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}
	return buf.String(), nil
}
