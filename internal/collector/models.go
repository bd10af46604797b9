// Package collector turns dump1090 snapshots into enriched flight facts:
// it resolves reference entities (aircraft, airlines, airports) and appends
// one FlightData row per observation on a recurring schedule.
package collector

import (
	"time"
)

// Aircraft is a deduplicated aircraft keyed by registration, or by hex id
// when the registry has no registration.
type Aircraft struct {
	CreatedAt                       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	AircraftKey                     string    `gorm:"uniqueIndex;not null;size:64" json:"-"`
	HexID                           string    `gorm:"index;not null;default:''" json:"hex_id"`
	Registration                    string    `gorm:"not null;default:''" json:"registration"`
	Type                            string    `gorm:"not null;default:''" json:"type"`
	ICAOType                        string    `gorm:"not null;default:''" json:"icao_type"`
	Manufacturer                    string    `gorm:"not null;default:''" json:"manufacturer"`
	ModeS                           string    `gorm:"not null;default:''" json:"mode_s"`
	RegisteredOwnerCountryISOName   string    `gorm:"not null;default:''" json:"registered_owner_country_iso_name"`
	RegisteredOwnerCountryName      string    `gorm:"not null;default:''" json:"registered_owner_country_name"`
	RegisteredOwnerOperatorFlagCode string    `gorm:"not null;default:''" json:"registered_owner_operator_flag_code"`
	RegisteredOwner                 string    `gorm:"not null;default:''" json:"registered_owner"`
	URLPhoto                        string    `gorm:"not null;default:''" json:"url_photo"`
	URLPhotoThumbnail               string    `gorm:"not null;default:''" json:"url_photo_thumbnail"`
	ID                              uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for Aircraft model.
func (Aircraft) TableName() string {
	return "aircraft"
}

// Airline is unique on the (icao, iata) pair. Both codes may be empty.
type Airline struct {
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	ICAO       string    `gorm:"uniqueIndex:idx_airlines_codes;not null;default:''" json:"icao"`
	IATA       string    `gorm:"uniqueIndex:idx_airlines_codes;not null;default:''" json:"iata"`
	Name       string    `gorm:"not null;default:''" json:"name"`
	Country    string    `gorm:"not null;default:''" json:"country"`
	CountryISO string    `gorm:"not null;default:''" json:"country_iso"`
	Callsign   string    `gorm:"not null;default:''" json:"callsign"`
	ID         uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for Airline model.
func (Airline) TableName() string {
	return "airlines"
}

// Airport matches on either code. Each non-empty code is unique.
type Airport struct {
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	IATACode       string    `gorm:"uniqueIndex:idx_airports_iata,where:iata_code <> '';not null;default:''" json:"iata_code"`
	ICAOCode       string    `gorm:"uniqueIndex:idx_airports_icao,where:icao_code <> '';not null;default:''" json:"icao_code"`
	Name           string    `gorm:"not null;default:''" json:"name"`
	CountryISOName string    `gorm:"not null;default:''" json:"country_iso_name"`
	CountryName    string    `gorm:"not null;default:''" json:"country_name"`
	Municipality   string    `gorm:"not null;default:''" json:"municipality"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Elevation      int       `json:"elevation"`
	ID             uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for Airport model.
func (Airport) TableName() string {
	return "airports"
}

// FlightData is one observation of one flight in one cycle. Rows are only
// ever inserted.
type FlightData struct {
	Timestamp            time.Time `gorm:"index:idx_flight_data_timestamp;not null" json:"timestamp"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"-"`
	Aircraft             *Aircraft `gorm:"constraint:OnDelete:SET NULL;" json:"aircraft,omitempty"`
	Airline              *Airline  `gorm:"constraint:OnDelete:SET NULL;" json:"airline,omitempty"`
	OriginAirport        *Airport  `gorm:"foreignKey:OriginAirportID;constraint:OnDelete:SET NULL;" json:"origin_airport,omitempty"`
	DestinationAirport   *Airport  `gorm:"foreignKey:DestinationAirportID;constraint:OnDelete:SET NULL;" json:"destination_airport,omitempty"`
	AircraftID           *uint     `gorm:"index" json:"aircraft_id"`
	AirlineID            *uint     `gorm:"index" json:"airline_id"`
	OriginAirportID      *uint     `json:"origin_airport_id"`
	DestinationAirportID *uint     `json:"destination_airport_id"`
	FlightCallsign       string    `gorm:"index;not null;default:''" json:"flight_callsign"`
	Latitude             float64   `json:"latitude"`
	Longitude            float64   `json:"longitude"`
	SquawkCode           int       `json:"squawk_code"`
	Altitude             int       `json:"altitude"`
	VerticalRate         int       `json:"vertical_rate"`
	Track                int       `json:"track"`
	Speed                int       `json:"speed"`
	MessagesReceived     int       `json:"messages_received"`
	Seen                 int       `json:"seen"`
	ValidPosition        bool      `json:"valid_position"`
	ValidTrack           bool      `json:"valid_track"`
	ID                   uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for FlightData model.
func (FlightData) TableName() string {
	return "flight_data"
}
