package pickup

import (
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
)

func d(y int, m time.Month, day int) birclient.Date {
	return birclient.Date{Year: y, Month: m, Day: day}
}

func TestReduce(t *testing.T) {
	tests := []struct {
		name   string
		events []birclient.Event
		from   birclient.Date
		want   NextPickups
	}{
		{
			name: "First date per category",
			events: []birclient.Event{
				{Category: "paper", Date: d(2024, 5, 10)},
				{Category: "residual", Date: d(2024, 5, 3)},
				{Category: "paper", Date: d(2024, 5, 24)},
			},
			from: d(2024, 5, 1),
			want: NextPickups{"paper": d(2024, 5, 10), "residual": d(2024, 5, 3)},
		},
		{
			name: "Reverse input order",
			events: []birclient.Event{
				{Category: "paper", Date: d(2024, 5, 24)},
				{Category: "residual", Date: d(2024, 5, 3)},
				{Category: "paper", Date: d(2024, 5, 10)},
			},
			from: d(2024, 5, 1),
			want: NextPickups{"paper": d(2024, 5, 10), "residual": d(2024, 5, 3)},
		},
		{
			name: "Event on from date is included",
			events: []birclient.Event{
				{Category: "organic", Date: d(2024, 5, 10)},
				{Category: "organic", Date: d(2024, 5, 17)},
			},
			from: d(2024, 5, 10),
			want: NextPickups{"organic": d(2024, 5, 10)},
		},
		{
			name: "Event the day before from is excluded",
			events: []birclient.Event{
				{Category: "organic", Date: d(2024, 5, 9)},
				{Category: "organic", Date: d(2024, 5, 17)},
				{Category: "glass", Date: d(2024, 5, 9)},
			},
			from: d(2024, 5, 10),
			want: NextPickups{"organic": d(2024, 5, 17)},
		},
		{
			name: "Entries without category are ignored",
			events: []birclient.Event{
				{Category: "", Date: d(2024, 5, 11)},
			},
			from: d(2024, 5, 10),
			want: NextPickups{},
		},
		{
			name: "No events",
			from: d(2024, 5, 10),
			want: NextPickups{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reduce(tt.events, tt.from)
			if !maps.Equal(got, tt.want) {
				t.Errorf("Reduce() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReduceDoesNotReorderInput(t *testing.T) {
	events := []birclient.Event{
		{Category: "paper", Date: d(2024, 5, 24)},
		{Category: "paper", Date: d(2024, 5, 10)},
	}
	orig := slices.Clone(events)
	Reduce(events, d(2024, 5, 1))
	if !slices.Equal(events, orig) {
		t.Errorf("Reduce mutated its input: %v", events)
	}
}

func TestWindow(t *testing.T) {
	oslo, err := time.LoadLocation("Europe/Oslo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name     string
		now      time.Time
		wantFrom birclient.Date
		wantTo   birclient.Date
	}{
		{
			name:     "Late UTC evening is already tomorrow in Oslo",
			now:      time.Date(2024, time.May, 9, 23, 30, 0, 0, time.UTC),
			wantFrom: d(2024, 5, 10),
			wantTo:   d(2024, 8, 9),
		},
		{
			name:     "Leap year",
			now:      time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC),
			wantFrom: d(2024, 1, 1),
			wantTo:   d(2024, 4, 1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to := Window(tt.now, oslo, 91)
			if from != tt.wantFrom || to != tt.wantTo {
				t.Errorf("Window() = [%v, %v], want [%v, %v]", from, to, tt.wantFrom, tt.wantTo)
			}
		})
	}
}

func TestNextPickupsCategories(t *testing.T) {
	n := NextPickups{"rest": d(2024, 5, 3), "papir": d(2024, 5, 10), "glass": d(2024, 6, 1)}
	if got := n.Categories(); !slices.Equal(got, []string{"glass", "papir", "rest"}) {
		t.Errorf("Categories() = %v", got)
	}
	if NextPickups(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
