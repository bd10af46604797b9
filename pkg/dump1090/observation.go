// Package dump1090 reads aircraft snapshots from a dump1090 data.json feed.
package dump1090

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Observation is one aircraft entry from a feed snapshot.
// Missing fields decode to their zero values.
type Observation struct {
	Hex          string  `json:"hex"`
	Flight       string  `json:"flight"`
	Squawk       Squawk  `json:"squawk"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	ValidPos     int     `json:"validposition"`
	ValidTrk     int     `json:"validtrack"`
	Altitude     int     `json:"altitude"`
	VerticalRate int     `json:"vert_rate"`
	Track        int     `json:"track"`
	Speed        int     `json:"speed"`
	Messages     int     `json:"messages"`
	Seen         int     `json:"seen"`
}

// HexID returns the trimmed ICAO 24-bit address.
func (o Observation) HexID() string {
	return strings.TrimSpace(o.Hex)
}

// Callsign returns the trimmed flight callsign. Case is preserved.
func (o Observation) Callsign() string {
	return strings.TrimSpace(o.Flight)
}

// ValidPosition reports whether the feed flagged the position as valid.
func (o Observation) ValidPosition() bool {
	return o.ValidPos != 0
}

// ValidTrack reports whether the feed flagged the track as valid.
func (o Observation) ValidTrack() bool {
	return o.ValidTrk != 0
}

// Squawk is a transponder code. Some feed builds encode it as a number and
// others as a quoted string; both decode to the same value.
type Squawk int

// UnmarshalJSON accepts 1170, "1170", "" and null.
func (s *Squawk) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || string(data) == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid squawk %q: %w", data, err)
	}
	*s = Squawk(n)
	return nil
}
