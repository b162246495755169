package birclient

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Credentials identify the calling application to the service.
type Credentials struct {
	AppID        string
	ContractorID string
}

// PropertyID is the service's key for a physical address. The service
// returns it as a JSON number; strings are accepted too.
type PropertyID string

func (id *PropertyID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = PropertyID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("property id: %w", err)
	}
	*id = PropertyID(n.String())
	return nil
}

// Event is a single scheduled pickup.
type Event struct {
	Category string `json:"fraksjon"`
	Date     Date   `json:"dato"`
}

// loginRequest is the body of POST /login.
type loginRequest struct {
	AppID        string `json:"applikasjonsId"`
	ContractorID string `json:"oppdragsgiverId"`
}

// property is one element of the GET /eiendommer response.
type property struct {
	ID      PropertyID `json:"id"`
	Address string     `json:"adresse,omitempty"`
}
