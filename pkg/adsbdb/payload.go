package adsbdb

import (
	"bytes"
	"strings"
)

// Negative sentinels returned by adsbdb in the "response" field.
const (
	UnknownAircraft = "unknown aircraft"
	UnknownCallsign = "unknown callsign"
)

var jsonNull = []byte("null")

// AircraftDetail is the response.aircraft object of an aircraft lookup.
type AircraftDetail struct {
	Type                            string `json:"type,omitempty"`
	ICAOType                        string `json:"icao_type,omitempty"`
	Manufacturer                    string `json:"manufacturer,omitempty"`
	ModeS                           string `json:"mode_s,omitempty"`
	Registration                    string `json:"registration,omitempty"`
	RegisteredOwnerCountryISOName   string `json:"registered_owner_country_iso_name,omitempty"`
	RegisteredOwnerCountryName      string `json:"registered_owner_country_name,omitempty"`
	RegisteredOwnerOperatorFlagCode string `json:"registered_owner_operator_flag_code,omitempty"`
	RegisteredOwner                 string `json:"registered_owner,omitempty"`
	URLPhoto                        string `json:"url_photo,omitempty"`
	URLPhotoThumbnail               string `json:"url_photo_thumbnail,omitempty"`
}

// IsZero reports whether no field was supplied.
func (d AircraftDetail) IsZero() bool {
	return d == AircraftDetail{}
}

// AircraftResponse is the "response" field of an aircraft lookup. It holds
// either an aircraft object or a sentinel string.
type AircraftResponse struct {
	Aircraft *AircraftDetail `json:"aircraft,omitempty"`
	Sentinel string          `json:"-"`
}

// UnmarshalJSON accepts an object, a string sentinel or null.
func (r *AircraftResponse) UnmarshalJSON(data []byte) error {
	*r = AircraftResponse{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.Sentinel)
	}
	if data[0] != '{' {
		// Numbers, arrays and bools carry no aircraft detail.
		return nil
	}
	type plain AircraftResponse
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	r.Aircraft = p.Aircraft
	return nil
}

// MarshalJSON writes the sentinel string when set, else the object.
func (r AircraftResponse) MarshalJSON() ([]byte, error) {
	if r.Sentinel != "" {
		return json.Marshal(r.Sentinel)
	}
	if r.Aircraft == nil {
		return jsonNull, nil
	}
	type plain AircraftResponse
	return json.Marshal(plain(r))
}

// AircraftPayload is the body of GET /v0/aircraft/{hex}.
type AircraftPayload struct {
	Response *AircraftResponse `json:"response,omitempty"`
}

// IsEmpty reports whether the payload carries neither detail nor a sentinel.
// Empty payloads are what a failed lookup degrades to.
func (p AircraftPayload) IsEmpty() bool {
	return p.Response == nil || (p.Response.Sentinel == "" && p.Response.Aircraft == nil)
}

// IsUnknown reports whether the payload is the "unknown aircraft" sentinel.
func (p AircraftPayload) IsUnknown() bool {
	return p.Response != nil && p.Response.Sentinel == UnknownAircraft
}

// Detail returns the aircraft detail, or a zero value when the payload is
// empty, a sentinel or null.
func (p AircraftPayload) Detail() AircraftDetail {
	if p.Response == nil || p.Response.Aircraft == nil {
		return AircraftDetail{}
	}
	return *p.Response.Aircraft
}

// Airline is the flightroute.airline object of a callsign lookup.
type Airline struct {
	Name       string `json:"name,omitempty"`
	ICAO       string `json:"icao,omitempty"`
	IATA       string `json:"iata,omitempty"`
	Country    string `json:"country,omitempty"`
	CountryISO string `json:"country_iso,omitempty"`
	Callsign   string `json:"callsign,omitempty"`
}

// IsZero reports whether no field was supplied.
func (a Airline) IsZero() bool {
	return a == Airline{}
}

// Airport is the flightroute.origin / flightroute.destination object.
type Airport struct {
	Name           string  `json:"name,omitempty"`
	CountryISOName string  `json:"country_iso_name,omitempty"`
	CountryName    string  `json:"country_name,omitempty"`
	Elevation      int     `json:"elevation,omitempty"`
	IATACode       string  `json:"iata_code,omitempty"`
	ICAOCode       string  `json:"icao_code,omitempty"`
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`
	Municipality   string  `json:"municipality,omitempty"`
}

// HasCode reports whether the airport carries an IATA or ICAO code.
func (a Airport) HasCode() bool {
	return strings.TrimSpace(a.IATACode) != "" || strings.TrimSpace(a.ICAOCode) != ""
}

// FlightRoute groups the airline and airports of a callsign.
type FlightRoute struct {
	Callsign     string   `json:"callsign,omitempty"`
	CallsignICAO string   `json:"callsign_icao,omitempty"`
	CallsignIATA string   `json:"callsign_iata,omitempty"`
	Airline      *Airline `json:"airline,omitempty"`
	Origin       *Airport `json:"origin,omitempty"`
	Destination  *Airport `json:"destination,omitempty"`
}

// CallsignResponse is the "response" field of a callsign lookup.
type CallsignResponse struct {
	FlightRoute *FlightRoute `json:"flightroute,omitempty"`
	Sentinel    string       `json:"-"`
}

// UnmarshalJSON accepts an object, a string sentinel or null.
func (r *CallsignResponse) UnmarshalJSON(data []byte) error {
	*r = CallsignResponse{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.Sentinel)
	}
	if data[0] != '{' {
		return nil
	}
	type plain CallsignResponse
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	r.FlightRoute = p.FlightRoute
	return nil
}

// MarshalJSON writes the sentinel string when set, else the object.
func (r CallsignResponse) MarshalJSON() ([]byte, error) {
	if r.Sentinel != "" {
		return json.Marshal(r.Sentinel)
	}
	if r.FlightRoute == nil {
		return jsonNull, nil
	}
	type plain CallsignResponse
	return json.Marshal(plain(r))
}

// CallsignPayload is the body of GET /v0/callsign/{callsign}.
type CallsignPayload struct {
	Response *CallsignResponse `json:"response,omitempty"`
}

// IsEmpty reports whether the payload carries neither a route nor a sentinel.
func (p CallsignPayload) IsEmpty() bool {
	return p.Response == nil || (p.Response.Sentinel == "" && p.Response.FlightRoute == nil)
}

// IsUnknown reports whether the payload is the "unknown callsign" sentinel.
func (p CallsignPayload) IsUnknown() bool {
	return p.Response != nil && p.Response.Sentinel == UnknownCallsign
}

// Route returns the airline, origin and destination of the payload. Absent
// objects come back as zero values, never nil.
func (p CallsignPayload) Route() (Airline, Airport, Airport) {
	if p.Response == nil || p.Response.FlightRoute == nil {
		return Airline{}, Airport{}, Airport{}
	}
	fr := p.Response.FlightRoute

	var airline Airline
	if fr.Airline != nil {
		airline = *fr.Airline
	}
	var origin, destination Airport
	if fr.Origin != nil {
		origin = *fr.Origin
	}
	if fr.Destination != nil {
		destination = *fr.Destination
	}
	return airline, origin, destination
}
