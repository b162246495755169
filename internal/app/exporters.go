package app

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/mozillazg/go-unidecode"
)

const (
	ICSProductID = "-//BIR//Tømmekalender//NO"
	ICSTimezone  = "Europe/Oslo"
)

// uidNamespace scopes the name-based event UIDs.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://webservice.bir.no/api"))

// eventUID is stable for a pickup so calendar clients update in place.
func eventUID(address string, p Pickup) string {
	name := address + "\x00" + p.Category + "\x00" + p.Date.String()
	return uuid.NewSHA1(uidNamespace, []byte(name)).String() + "@bir-tomming"
}

// reminder is one VALARM request: daysBefore the pickup at HH:MM.
type reminder struct {
	daysBefore int
	at         string
}

// remindersFromQuery reads reminder2Days/time2Days, reminder1Day/time1Day
// and reminderSameDay/timeSameDay.
func remindersFromQuery(r *http.Request) []reminder {
	q := r.URL.Query()
	var out []reminder
	for _, opt := range []struct {
		flag, at string
		days     int
	}{
		{"reminder2Days", "time2Days", 2},
		{"reminder1Day", "time1Day", 1},
		{"reminderSameDay", "timeSameDay", 0},
	} {
		if q.Get(opt.flag) == "true" && q.Get(opt.at) != "" {
			out = append(out, reminder{daysBefore: opt.days, at: q.Get(opt.at)})
		}
	}
	return out
}

// buildCalendar renders pickups as all-day events.
func buildCalendar(address string, pickups []Pickup, now time.Time, subscription bool, reminders []reminder) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ICSProductID)
	if subscription {
		cal.Props.SetText(ical.PropMethod, "PUBLISH")
	}
	cal.Props.SetText(ical.PropCalendarScale, "GREGORIAN")
	setRaw(cal.Props, "X-WR-CALNAME", "Tømmekalender "+address)
	setRaw(cal.Props, "X-WR-TIMEZONE", ICSTimezone)
	if subscription {
		// Suggest refresh every hour
		setRaw(cal.Props, "X-PUBLISHED-TTL", "PT1H")
	}

	for _, p := range pickups {
		day := p.Date.In(time.UTC)

		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, eventUID(address, p))
		event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
		event.Props.SetDate(ical.PropDateTimeStart, day)
		event.Props.SetDate(ical.PropDateTimeEnd, day.AddDate(0, 0, 1))
		event.Props.SetText(ical.PropSummary, p.Category)
		description := fmt.Sprintf("Tømming av %s, %s", p.Category, address)
		if p.Holiday != "" {
			description += " (" + p.Holiday + ")"
		}
		event.Props.SetText(ical.PropDescription, description)
		event.Props.SetText(ical.PropLocation, address)

		// Calendar apps ignore alarms in subscribed calendars.
		if !subscription {
			for _, rem := range reminders {
				if alarm, ok := newAlarm(rem, p.Category); ok {
					event.Children = append(event.Children, alarm)
				}
			}
		}
		cal.Children = append(cal.Children, event.Component)
	}
	return cal
}

// newAlarm builds a VALARM firing at rem.at on the day rem.daysBefore the
// all-day event. It reports false for a malformed HH:MM.
func newAlarm(rem reminder, description string) (*ical.Component, bool) {
	hourStr, minuteStr, ok := strings.Cut(rem.at, ":")
	if !ok {
		return nil, false
	}
	hour, err1 := strconv.Atoi(hourStr)
	minute, err2 := strconv.Atoi(minuteStr)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, false
	}

	// Offset from the event start at 00:00.
	total := -rem.daysBefore*24*60 + hour*60 + minute
	sign := ""
	if total < 0 {
		sign = "-"
		total = -total
	}
	trigger := fmt.Sprintf("%sP%dDT%dH%dM", sign, total/(24*60), (total%(24*60))/60, total%60)

	alarm := ical.NewComponent(ical.CompAlarm)
	alarm.Props.SetText(ical.PropAction, "DISPLAY")
	alarm.Props.SetText(ical.PropDescription, "Påminnelse: "+description)
	setRaw(alarm.Props, ical.PropTrigger, trigger)
	return alarm, true
}

// setRaw sets a property without a VALUE parameter.
func setRaw(props ical.Props, name, value string) {
	prop := ical.NewProp(name)
	prop.Value = value
	props.Set(prop)
}

func encodeCalendar(w io.Writer, cal *ical.Calendar) error {
	return ical.NewEncoder(w).Encode(cal)
}

// GenerateICS writes pickups as a downloadable calendar with optional reminders.
func (s *Server) GenerateICS(w http.ResponseWriter, r *http.Request, address string, pickups []Pickup) {
	cal := buildCalendar(address, pickups, s.clock.Now(), false, remindersFromQuery(r))

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+exportFilename(address, "ics"))
	if err := encodeCalendar(w, cal); err != nil {
		s.logger.Error("error encoding calendar", "error", err)
	}
}

// GenerateSubscriptionICS writes an inline feed for calendar subscriptions:
// no attachment header, no alarms, METHOD:PUBLISH and an hourly TTL.
func (s *Server) GenerateSubscriptionICS(w http.ResponseWriter, address string, pickups []Pickup) {
	cal := buildCalendar(address, pickups, s.clock.Now(), true, nil)

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if err := encodeCalendar(w, cal); err != nil {
		s.logger.Error("error encoding subscription feed", "error", err)
	}
}

// GenerateCSV writes pickups as CSV.
func (s *Server) GenerateCSV(w http.ResponseWriter, address string, pickups []Pickup) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+exportFilename(address, "csv"))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"dato", "fraksjon", "helligdag"})
	for _, p := range pickups {
		_ = cw.Write([]string{p.Date.String(), p.Category, p.Holiday})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Error("error writing CSV export", "error", err)
	}
}

// GenerateJSON writes pickups as a JSON document.
func (s *Server) GenerateJSON(w http.ResponseWriter, address string, pickups []Pickup) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+exportFilename(address, "json"))

	data := map[string]any{
		"address": address,
		"pickups": pickups,
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON export", "error", err)
		http.Error(w, ErrFailedToGenerateJSON, http.StatusInternalServerError)
	}
}

// exportFilename builds tomming_<address>.<ext>, transliterated to ASCII with
// unsafe characters replaced.
func exportFilename(address, ext string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, unidecode.Unidecode(address))
	return "tomming_" + safe + "." + ext
}
