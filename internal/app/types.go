package app

import (
	"time"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
)

// Error messages
const (
	ErrInvalidFormat        = "Invalid format"
	ErrInternalServer       = "Internal server error"
	ErrFailedToGenerateJSON = "Failed to generate JSON"
)

// Pickup is one category's next collection as served to clients.
type Pickup struct {
	Category  string         `json:"category"`
	Date      birclient.Date `json:"date"`
	DaysUntil int            `json:"days_until"`
	Holiday   string         `json:"holiday,omitempty"`
}

type pickupsResponse struct {
	Address           string     `json:"address"`
	Title             string     `json:"title,omitempty"`
	State             string     `json:"state"`
	LastUpdateSuccess bool       `json:"last_update_success"`
	LastRefreshed     *time.Time `json:"last_refreshed,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	From              string     `json:"from,omitempty"`
	To                string     `json:"to,omitempty"`
	Pickups           []Pickup   `json:"pickups"`
}

type configResponse struct {
	Address         string            `json:"address"`
	Title           string            `json:"title,omitempty"`
	Timezone        string            `json:"timezone"`
	HorizonDays     int               `json:"horizon_days"`
	UpdateInterval  string            `json:"update_interval"`
	RefreshCooldown string            `json:"refresh_cooldown"`
	NextRefresh     *time.Time        `json:"next_refresh,omitempty"`
	CurrentYear     int               `json:"current_year"`
	Holidays        map[string]string `json:"holidays"`
	MQTT            bool              `json:"mqtt"`
	AuthEnabled     bool              `json:"auth_enabled"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
