package app

import (
	"time"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
)

// NorwegianHolidays returns the public holidays of year keyed by date.
func NorwegianHolidays(year int) map[birclient.Date]string {
	holidays := make(map[birclient.Date]string)

	// Fixed holidays
	holidays[birclient.Date{Year: year, Month: 1, Day: 1}] = "Første nyttårsdag"
	holidays[birclient.Date{Year: year, Month: 5, Day: 1}] = "Arbeidernes dag"
	holidays[birclient.Date{Year: year, Month: 5, Day: 17}] = "Grunnlovsdag"
	holidays[birclient.Date{Year: year, Month: 12, Day: 25}] = "Første juledag"
	holidays[birclient.Date{Year: year, Month: 12, Day: 26}] = "Andre juledag"

	// Easter-based holidays (movable)
	easter := calculateEaster(year)
	holidays[easter.AddDays(-3)] = "Skjærtorsdag"
	holidays[easter.AddDays(-2)] = "Langfredag"
	holidays[easter] = "Første påskedag"
	holidays[easter.AddDays(1)] = "Andre påskedag"
	holidays[easter.AddDays(39)] = "Kristi himmelfartsdag"
	holidays[easter.AddDays(49)] = "Første pinsedag"
	holidays[easter.AddDays(50)] = "Andre pinsedag"

	return holidays
}

// HolidayOn returns the name of the public holiday on d, if any.
func HolidayOn(d birclient.Date) (string, bool) {
	name, ok := NorwegianHolidays(d.Year)[d]
	return name, ok
}

// holidaysByString keys the holidays of year by their ISO date for JSON.
func holidaysByString(year int) map[string]string {
	out := make(map[string]string)
	for d, name := range NorwegianHolidays(year) {
		out[d.String()] = name
	}
	return out
}

// calculateEaster calculates Easter Sunday using the Meeus/Jones/Butcher algorithm
func calculateEaster(year int) birclient.Date {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1

	return birclient.Date{Year: year, Month: time.Month(month), Day: day}
}
