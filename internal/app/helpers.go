package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
	"github.com/klabast/wb-services/bir-tomming/internal/pickup"
)

// writeJSON encodes v with status and logs encoding failures.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Error("error encoding response", "error", err)
	}
}

// daysBetween returns the number of calendar days from a to b.
func daysBetween(a, b birclient.Date) int {
	return int(b.In(time.UTC).Sub(a.In(time.UTC)).Hours() / 24)
}

// pickupList flattens next into Pickups sorted by date, then category.
func pickupList(next pickup.NextPickups, today birclient.Date) []Pickup {
	out := make([]Pickup, 0, len(next))
	for category, date := range next {
		p := Pickup{
			Category:  category,
			Date:      date,
			DaysUntil: daysBetween(today, date),
		}
		if name, ok := HolidayOn(date); ok {
			p.Holiday = name
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Pickup) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.Category, b.Category)
	})
	return out
}
