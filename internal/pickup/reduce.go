package pickup

import (
	"maps"
	"slices"
	"time"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
)

// NextPickups maps a waste category to its next pickup date.
type NextPickups map[string]birclient.Date

// Clone returns an independent copy.
func (n NextPickups) Clone() NextPickups {
	if n == nil {
		return nil
	}
	return maps.Clone(n)
}

// Categories returns the categories in n, sorted.
func (n NextPickups) Categories() []string {
	return slices.Sorted(maps.Keys(n))
}

// Window returns the query range [today, today+horizonDays] where today is
// the calendar day of now in loc.
func Window(now time.Time, loc *time.Location, horizonDays int) (from, to birclient.Date) {
	local := now.In(loc)
	return birclient.DateOf(local), birclient.DateOf(local.AddDate(0, 0, horizonDays))
}

// Reduce keeps the earliest date per category among events on or after
// from. Input order does not matter.
func Reduce(events []birclient.Event, from birclient.Date) NextPickups {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b birclient.Event) int {
		return a.Date.Compare(b.Date)
	})

	next := make(NextPickups)
	for _, e := range sorted {
		if e.Category == "" || e.Date.Before(from) {
			continue
		}
		if _, seen := next[e.Category]; !seen {
			next[e.Category] = e.Date
		}
	}
	return next
}
