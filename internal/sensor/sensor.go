// Package sensor exposes one timestamp sensor per waste category, the shape
// Home Assistant expects for "next pickup" entities.
package sensor

import (
	"slices"
	"sync"
	"time"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
	"github.com/klabast/wb-services/bir-tomming/internal/pickup"
)

const (
	Icon        = "mdi:trash-can-outline"
	DeviceClass = "timestamp"
)

// UniqueID returns the stable sensor id for a category at address.
func UniqueID(address, category string) string {
	return "bir_trash_" + address + "_" + category
}

// Sensor is a snapshot of one category's next pickup.
type Sensor struct {
	UniqueID    string     `json:"unique_id"`
	Name        string     `json:"name"`
	Category    string     `json:"category"`
	Icon        string     `json:"icon"`
	DeviceClass string     `json:"device_class"`
	State       *time.Time `json:"state"`
}

// Available reports whether the sensor currently has a date.
func (s Sensor) Available() bool { return s.State != nil }

// StateString returns the ISO-8601 state, or "" when absent.
func (s Sensor) StateString() string {
	if s.State == nil {
		return ""
	}
	return s.State.Format(time.RFC3339)
}

// Registry tracks the sensors for one address. Categories are added the
// first time they show up and are never removed; a category missing from
// the latest data keeps its sensor with no state.
type Registry struct {
	loc *time.Location

	mu      sync.RWMutex
	address string
	dates   map[string]*birclient.Date
}

// NewRegistry creates an empty Registry.
func NewRegistry(address string, loc *time.Location) *Registry {
	if loc == nil {
		loc = time.UTC
	}
	return &Registry{
		loc:     loc,
		address: address,
		dates:   make(map[string]*birclient.Date),
	}
}

// Update applies a refresh result and returns the sensors created by it.
func (r *Registry) Update(next pickup.NextPickups) (added []Sensor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for category := range r.dates {
		if _, ok := next[category]; !ok {
			r.dates[category] = nil
		}
	}
	for _, category := range next.Categories() {
		date := next[category]
		_, known := r.dates[category]
		r.dates[category] = &date
		if !known {
			added = append(added, r.sensorLocked(category))
		}
	}
	return added
}

// SetAddress drops every sensor and starts over for a new address.
func (r *Registry) SetAddress(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.address = address
	r.dates = make(map[string]*birclient.Date)
}

// Address returns the address the sensors belong to.
func (r *Registry) Address() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.address
}

// Get returns the sensor for category.
func (r *Registry) Get(category string) (Sensor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.dates[category]; !ok {
		return Sensor{}, false
	}
	return r.sensorLocked(category), true
}

// Sensors returns every sensor ordered by category.
func (r *Registry) Sensors() []Sensor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	categories := make([]string, 0, len(r.dates))
	for c := range r.dates {
		categories = append(categories, c)
	}
	slices.Sort(categories)

	out := make([]Sensor, 0, len(categories))
	for _, c := range categories {
		out = append(out, r.sensorLocked(c))
	}
	return out
}

func (r *Registry) sensorLocked(category string) Sensor {
	id := UniqueID(r.address, category)
	s := Sensor{
		UniqueID:    id,
		Name:        id,
		Category:    category,
		Icon:        Icon,
		DeviceClass: DeviceClass,
	}
	if d := r.dates[category]; d != nil {
		t := d.In(r.loc)
		s.State = &t
	}
	return s
}
