package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
	"github.com/klabast/wb-services/bir-tomming/internal/config"
	"github.com/klabast/wb-services/bir-tomming/internal/pickup"
)

func entryOf(cfg *config.Config) config.Entry {
	if cfg.Entry == nil {
		return config.Entry{}
	}
	return *cfg.Entry
}

// currentPickups returns the entry, the aggregator status and the pickup list.
func (s *Server) currentPickups() (config.Entry, pickup.Status, []Pickup) {
	cfg, loc := s.snapshot()
	st := s.source.Status()
	today := birclient.DateOf(s.clock.Now().In(loc))
	return entryOf(cfg), st, pickupList(st.Pickups, today)
}

// HandlePickups returns the next pickup per category with refresh status.
func (s *Server) HandlePickups(w http.ResponseWriter, r *http.Request) {
	entry, st, pickups := s.currentPickups()

	resp := pickupsResponse{
		Address:           entry.Address,
		Title:             entry.Title,
		State:             st.State.String(),
		LastUpdateSuccess: st.LastUpdateSuccess,
		Pickups:           pickups,
	}
	if !st.LastRefreshed.IsZero() {
		t := st.LastRefreshed
		resp.LastRefreshed = &t
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	if !st.From.IsZero() {
		resp.From, resp.To = st.From.String(), st.To.String()
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

// HandleSensors returns the sensor list; absent states are null.
func (s *Server) HandleSensors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sensors.Sensors(), s.logger)
}

// GetConfig returns the active settings and this year's holidays.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, loc := s.snapshot()
	entry := entryOf(cfg)
	year := s.clock.Now().In(loc).Year()

	resp := configResponse{
		Address:         entry.Address,
		Title:           entry.Title,
		Timezone:        cfg.Timezone,
		HorizonDays:     cfg.HorizonDays,
		UpdateInterval:  cfg.UpdateInterval.String(),
		RefreshCooldown: cfg.RefreshCooldown.String(),
		CurrentYear:     year,
		Holidays:        holidaysByString(year),
		MQTT:            cfg.MQTT.Enabled(),
		AuthEnabled:     s.auth.Enabled(),
	}
	if next, err := s.source.NextScheduledRefresh(); err == nil {
		resp.NextRefresh = &next
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

// HandleDownload exports the pickups.
// Query param: format (ics, csv or json; default ics)
func (s *Server) HandleDownload(w http.ResponseWriter, r *http.Request) {
	entry, _, pickups := s.currentPickups()

	switch format := r.URL.Query().Get("format"); format {
	case "", "ics":
		s.GenerateICS(w, r, entry.Address, pickups)
	case "csv":
		s.GenerateCSV(w, entry.Address, pickups)
	case "json":
		s.GenerateJSON(w, entry.Address, pickups)
	default:
		http.Error(w, ErrInvalidFormat, http.StatusBadRequest)
	}
}

// HandleSubscribe serves the calendar subscription feed.
func (s *Server) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	entry, _, pickups := s.currentPickups()
	s.GenerateSubscriptionICS(w, entry.Address, pickups)
}

// HandleRefresh asks the aggregator for an early refresh and returns 202
// without waiting for it.
func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	s.background.Go(func() {
		err := s.source.RequestRefresh(ctx)
		switch {
		case errors.Is(err, pickup.ErrClosed):
		case err != nil:
			s.logger.Warn("requested refresh failed", "error", err)
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"}, s.logger)
}

// HandleHealth reports 200 once data is available, 503 before. A refresh
// in progress over an existing snapshot is still healthy.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	hasData := st.State == pickup.StateReady || st.Pickups != nil
	status := http.StatusOK
	if !hasData {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"state":               st.State.String(),
		"has_data":            hasData,
		"last_update_success": st.LastUpdateSuccess,
	}, s.logger)
}
