package app

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
)

func TestGenerateSubscriptionICS(t *testing.T) {
	s := newTestServer(t, &fakeSource{}, nil)
	w := httptest.NewRecorder()

	s.GenerateSubscriptionICS(w, "Lillebotn 12", testPickups())

	resp := w.Result()
	body := w.Body.String()

	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/calendar") || !strings.Contains(ct, "charset=utf-8") {
		t.Errorf("Expected text/calendar; charset=utf-8, got %s", ct)
	}

	// Subscriptions need inline content.
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		t.Errorf("Subscription should not have Content-Disposition header, got: %s", cd)
	}

	requiredFields := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:" + ICSProductID,
		"METHOD:PUBLISH",
		"X-PUBLISHED-TTL:PT1H",
		"X-WR-CALNAME:Tømmekalender Lillebotn 12",
		"X-WR-TIMEZONE:Europe/Oslo",
		"BEGIN:VEVENT",
		"END:VEVENT",
		"END:VCALENDAR",
	}
	for _, field := range requiredFields {
		if !strings.Contains(body, field) {
			t.Errorf("ICS subscription output missing required field: %s", field)
		}
	}

	if !strings.Contains(body, "DTSTART;VALUE=DATE:20250115") {
		t.Error("Event should be all-day (DTSTART;VALUE=DATE)")
	}

	// Subscriptions never carry alarms.
	if got := strings.Count(body, "BEGIN:VALARM"); got != 0 {
		t.Errorf("Subscription should not contain alarms (found %d VALARM blocks)", got)
	}

	if !strings.Contains(body, "UID:"+eventUID("Lillebotn 12", testPickups()[0])) {
		t.Error("Missing or incorrect UID")
	}
}

func TestGenerateSubscriptionICS_Empty(t *testing.T) {
	s := newTestServer(t, &fakeSource{}, nil)
	w := httptest.NewRecorder()

	s.GenerateSubscriptionICS(w, "Lillebotn 12", nil)

	body := w.Body.String()
	if !strings.Contains(body, "BEGIN:VCALENDAR") || !strings.Contains(body, "END:VCALENDAR") {
		t.Error("Missing calendar structure")
	}
	if got := strings.Count(body, "BEGIN:VEVENT"); got != 0 {
		t.Errorf("Expected 0 events, got %d", got)
	}
}

func TestGenerateSubscriptionICS_SameDay(t *testing.T) {
	s := newTestServer(t, &fakeSource{}, nil)
	day := birclient.Date{Year: 2025, Month: time.January, Day: 15}
	pickups := []Pickup{
		{Category: "Restavfall", Date: day},
		{Category: "Papir", Date: day},
		{Category: "Glass og metall", Date: day},
	}

	w := httptest.NewRecorder()
	s.GenerateSubscriptionICS(w, "Lillebotn 12", pickups)
	body := w.Body.String()

	if got := strings.Count(body, "BEGIN:VEVENT"); got != 3 {
		t.Errorf("Expected 3 events, got %d", got)
	}
	for _, p := range pickups {
		if !strings.Contains(body, "UID:"+eventUID("Lillebotn 12", p)) {
			t.Errorf("Missing UID for %s", p.Category)
		}
	}
}

func TestHandleSubscribe(t *testing.T) {
	s := newTestServer(t, &fakeSource{status: readyStatus()}, nil)

	w := get(t, s.Handler(), "/api/subscribe")
	body := w.Body.String()
	if got := strings.Count(body, "BEGIN:VEVENT"); got != 3 {
		t.Errorf("Expected 3 events, got %d", got)
	}
	// Holiday names end up in the description.
	if !strings.Contains(body, "Kristi himmelfartsdag") {
		t.Error("Holiday not mentioned in description")
	}
}
