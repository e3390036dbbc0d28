// Package registry holds the configuration and rolling statistics of the
// trading partners (endpoints) the exchange buys from and sells to.
package registry

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
)

// Direction tells whether the exchange calls the endpoint or the endpoint calls the exchange
type Direction string

const (
	// DirectionOutbound endpoints receive bid requests from the exchange (supply side)
	DirectionOutbound Direction = "outbound"
	// DirectionInbound endpoints send bid requests to the exchange (demand side)
	DirectionInbound Direction = "inbound"
)

// Status is the soft lifecycle state of an endpoint
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusTesting  Status = "testing"
)

// AuthType selects how credentials are presented to an endpoint
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "api_key"
)

// DefaultAPIKeyHeader is used when an api-key endpoint names no header
const DefaultAPIKeyHeader = "X-API-Key"

// Auth describes the credential of an endpoint
type Auth struct {
	Type       AuthType `json:"type"`
	Token      string   `json:"token,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	HeaderName string   `json:"header_name,omitempty"`
}

// Size is a width/height pair an endpoint accepts
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Endpoint is the typed configuration of one trading partner. Values are
// treated as immutable once handed to the registry.
type Endpoint struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Direction       Direction           `json:"direction"`
	URL             string              `json:"url"`
	Method          string              `json:"method"`
	ProtocolVersion string              `json:"protocol_version"`
	TimeoutMS       int                 `json:"timeout_ms"`
	QPSLimit        int                 `json:"qps_limit"`
	Auth            Auth                `json:"auth"`
	FloorPrice      float64             `json:"floor_price"`
	Formats         []openrtb.MediaType `json:"formats,omitempty"`
	Sizes           []Size              `json:"sizes,omitempty"`
	Countries       []string            `json:"countries,omitempty"`
	Headers         map[string]string   `json:"headers,omitempty"`
	Status          Status              `json:"status"`
	Key             string              `json:"key,omitempty"`
}

// Timeout returns the per-call budget of the endpoint
func (e *Endpoint) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// IsActive reports whether the endpoint takes part in auctions
func (e *Endpoint) IsActive() bool {
	return e.Status == StatusActive
}

// SupportsFormat reports whether the endpoint trades the given format.
// No declared formats means all formats.
func (e *Endpoint) SupportsFormat(format openrtb.MediaType) bool {
	if len(e.Formats) == 0 || format == "" {
		return true
	}
	for _, f := range e.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// SupportsSize reports whether the endpoint accepts w x h.
// No declared sizes, or an unknown size, means accepted.
func (e *Endpoint) SupportsSize(w, h int) bool {
	if len(e.Sizes) == 0 || w == 0 || h == 0 {
		return true
	}
	for _, s := range e.Sizes {
		if s.W == w && s.H == h {
			return true
		}
	}
	return false
}

// AllowsCountry checks the country allow-list (empty = all allowed)
func (e *Endpoint) AllowsCountry(country string) bool {
	if len(e.Countries) == 0 {
		return true
	}
	if country == "" {
		return false
	}
	for _, c := range e.Countries {
		if strings.EqualFold(c, country) {
			return true
		}
	}
	return false
}

// AuthHeader is a rendered credential header
type AuthHeader struct {
	Name  string
	Value string
}

// IsZero reports whether no header needs to be sent
func (h AuthHeader) IsZero() bool {
	return h.Name == ""
}

// String redacts the credential so headers can be logged safely
func (h AuthHeader) String() string {
	if h.IsZero() {
		return "<none>"
	}
	return h.Name + ": [REDACTED]"
}

// Apply sets the header on an outbound request
func (h AuthHeader) Apply(headers http.Header) {
	if !h.IsZero() {
		headers.Set(h.Name, h.Value)
	}
}

// CredentialsFor renders the auth header for an endpoint. Incomplete
// credentials render no header rather than an empty one.
func CredentialsFor(ep *Endpoint) AuthHeader {
	switch ep.Auth.Type {
	case AuthBearer:
		if ep.Auth.Token != "" {
			return AuthHeader{Name: "Authorization", Value: "Bearer " + ep.Auth.Token}
		}
	case AuthBasic:
		if ep.Auth.Username != "" {
			credentials := ep.Auth.Username + ":" + ep.Auth.Password
			return AuthHeader{Name: "Authorization", Value: "Basic " + base64.StdEncoding.EncodeToString([]byte(credentials))}
		}
	case AuthAPIKey:
		if ep.Auth.Token != "" {
			name := ep.Auth.HeaderName
			if name == "" {
				name = DefaultAPIKeyHeader
			}
			return AuthHeader{Name: name, Value: ep.Auth.Token}
		}
	}
	return AuthHeader{}
}
