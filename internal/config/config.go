// Package config holds the persistent settings of a bir-tomming install:
// the configured address entry plus tuning for the client, the refresher,
// the HTTP server and the optional MQTT bridge.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
	"github.com/klabast/wb-services/bir-tomming/internal/pickup"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultTopicPrefix     = "bir-tomming"
	DefaultDiscoveryPrefix = "homeassistant"
)

// Duration is a time.Duration stored as a Go duration string ("1h", "90s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Entry is the address registered by setup.
type Entry struct {
	Title     string               `json:"title"`
	Address   string               `json:"address"`
	AddressID birclient.PropertyID `json:"address_id"`
}

// NewEntry builds the entry stored after a successful address lookup.
func NewEntry(address string, id birclient.PropertyID) Entry {
	return Entry{
		Title:     fmt.Sprintf("Trash Collection (%s)", address),
		Address:   address,
		AddressID: id,
	}
}

// MQTT configures the optional broker connection. An empty Broker disables it.
type MQTT struct {
	Broker          string `json:"broker,omitempty"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	TopicPrefix     string `json:"topic_prefix,omitempty"`
	DiscoveryPrefix string `json:"discovery_prefix,omitempty"`
}

// Enabled reports whether a broker is configured.
func (m MQTT) Enabled() bool { return m.Broker != "" }

// Config is the full on-disk configuration.
type Config struct {
	Entry *Entry `json:"entry,omitempty"`

	AppID        string `json:"app_id,omitempty"`
	ContractorID string `json:"contractor_id,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`

	Timezone        string   `json:"timezone,omitempty"`
	HorizonDays     int      `json:"horizon_days,omitempty"`
	UpdateInterval  Duration `json:"update_interval,omitzero"`
	RefreshCooldown Duration `json:"refresh_cooldown,omitzero"`
	RequestTimeout  Duration `json:"request_timeout,omitzero"`

	ListenAddr string `json:"listen_addr,omitempty"`
	MQTT       MQTT   `json:"mqtt,omitzero"`
}

// Default returns a Config with every tunable set and no entry.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.AppID == "" {
		c.AppID = birclient.DefaultAppID
	}
	if c.ContractorID == "" {
		c.ContractorID = birclient.DefaultContractorID
	}
	if c.BaseURL == "" {
		c.BaseURL = birclient.DefaultBaseURL
	}
	if c.Timezone == "" {
		c.Timezone = pickup.DefaultTimezone
	}
	if c.HorizonDays == 0 {
		c.HorizonDays = pickup.DefaultHorizonDays
	}
	if c.UpdateInterval.Duration == 0 {
		c.UpdateInterval.Duration = pickup.DefaultUpdateInterval
	}
	if c.RefreshCooldown.Duration == 0 {
		c.RefreshCooldown.Duration = pickup.DefaultCooldown
	}
	if c.RequestTimeout.Duration == 0 {
		c.RequestTimeout.Duration = birclient.DefaultTimeout
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Entry != nil {
		if c.Entry.Address == "" {
			errs = append(errs, errors.New("entry.address is empty"))
		}
		if c.Entry.AddressID == "" {
			errs = append(errs, errors.New("entry.address_id is empty"))
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.HorizonDays < 0 {
		errs = append(errs, fmt.Errorf("horizon_days must be positive, got %d", c.HorizonDays))
	}
	if c.UpdateInterval.Duration < 0 {
		errs = append(errs, fmt.Errorf("update_interval must be positive, got %s", c.UpdateInterval))
	}
	if c.RefreshCooldown.Duration < 0 {
		errs = append(errs, fmt.Errorf("refresh_cooldown must not be negative, got %s", c.RefreshCooldown))
	}
	if c.RequestTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	return errors.Join(errs...)
}

// Location loads the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Credentials returns the client credentials.
func (c *Config) Credentials() birclient.Credentials {
	return birclient.Credentials{AppID: c.AppID, ContractorID: c.ContractorID}
}
