package hydrate

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

// MaxOccurrencesPerEntry caps recurrence expansion for a single entry.
const MaxOccurrencesPerEntry = 1000

// Occurrence is one concrete instance of an entry.
type Occurrence struct {
	EntryID  string    `json:"entry_id"`
	SourceID string    `json:"source_id"`
	Title    string    `json:"title"`
	Location string    `json:"location,omitempty"`
	Color    string    `json:"color,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	AllDay   bool      `json:"all_day"`
}

// Occurrences expands the snapshot into instances overlapping [from, to),
// in loc. All-day entries are floating dates placed at midnight in loc.
// An entry whose recurrence rule does not parse is shown once.
func (s *Snapshot) Occurrences(from, to time.Time, loc *time.Location) []Occurrence {
	if loc == nil {
		loc = time.Local
	}

	var out []Occurrence
	for i := range s.Entries {
		out = append(out, expand(&s.Entries[i], from, to, loc)...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func expand(e *Entry, from, to time.Time, loc *time.Location) []Occurrence {
	start, end := e.StartTime.In(loc), e.EndTime.In(loc)
	if e.AllDay {
		start = floating(e.StartTime, loc)
		end = floating(e.EndTime, loc)
	}
	duration := end.Sub(start)

	if e.Recurrence == "" {
		if overlaps(start, end, from, to) {
			return []Occurrence{occurrence(e, start, end)}
		}
		return nil
	}

	rule, err := newRule(e.Recurrence, start)
	if err != nil {
		if overlaps(start, end, from, to) {
			return []Occurrence{occurrence(e, start, end)}
		}
		return nil
	}

	// Instances starting up to one duration before the window can still overlap it.
	starts := rule.Between(from.Add(-duration), to, true)

	var out []Occurrence
	for _, st := range starts {
		if len(out) == MaxOccurrencesPerEntry {
			break
		}
		st = st.In(loc)
		var en time.Time
		if e.AllDay {
			// Keep whole days across DST changes.
			en = st.AddDate(0, 0, int(e.EndTime.Sub(e.StartTime).Hours()/24))
		} else {
			en = st.Add(duration)
		}
		if overlaps(st, en, from, to) {
			out = append(out, occurrence(e, st, en))
		}
	}
	return out
}

// newRule builds the rule with its DTSTART so default BYxxx parts derive from it.
func newRule(recurrence string, start time.Time) (*rrule.RRule, error) {
	opt, err := rrule.StrToROption(recurrence)
	if err != nil {
		return nil, err
	}
	opt.Dtstart = start
	return rrule.NewRRule(*opt)
}

func floating(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func overlaps(start, end, from, to time.Time) bool {
	if end.Equal(start) {
		return !start.Before(from) && start.Before(to)
	}
	return start.Before(to) && end.After(from)
}

func occurrence(e *Entry, start, end time.Time) Occurrence {
	return Occurrence{
		EntryID:  e.ID,
		SourceID: e.SourceID,
		Title:    e.Title,
		Location: e.Location,
		Color:    e.Color,
		Start:    start,
		End:      end,
		AllDay:   e.AllDay,
	}
}
