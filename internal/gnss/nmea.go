package gnss

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentence is a checksum-verified NMEA 0183 sentence split into its
// address field and data fields.
type Sentence struct {
	// Talker is the two-letter talker ID (GP, GN, GL, GA, ...).
	Talker string
	// Type is the sentence type (GGA, RMC, ...).
	Type string
	// Fields are the comma-separated data fields after the address.
	Fields []string
}

// FixQuality is the GGA fix quality indicator.
type FixQuality int

const (
	FixNone       FixQuality = 0
	FixGPS        FixQuality = 1
	FixDGPS       FixQuality = 2
	FixPPS        FixQuality = 3
	FixRTK        FixQuality = 4
	FixRTKFloat   FixQuality = 5
	FixDeadReckon FixQuality = 6
)

func (q FixQuality) String() string {
	switch q {
	case FixNone:
		return "none"
	case FixGPS:
		return "gps"
	case FixDGPS:
		return "dgps"
	case FixPPS:
		return "pps"
	case FixRTK:
		return "rtk"
	case FixRTKFloat:
		return "rtk_float"
	case FixDeadReckon:
		return "dead_reckoning"
	default:
		return fmt.Sprintf("quality_%d", int(q))
	}
}

// ParseSentence validates the framing and checksum of a raw NMEA line and
// splits it into fields. The checksum is the XOR of every byte between
// '$' and '*'.
func ParseSentence(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if len(line) < 9 || line[0] != '$' {
		return Sentence{}, fmt.Errorf("not an NMEA sentence: %q", line)
	}

	star := strings.LastIndexByte(line, '*')
	if star < 0 || star+3 > len(line) {
		return Sentence{}, fmt.Errorf("missing checksum: %q", line)
	}

	body := line[1:star]
	want, err := strconv.ParseUint(line[star+1:star+3], 16, 8)
	if err != nil {
		return Sentence{}, fmt.Errorf("bad checksum field: %q", line)
	}
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	if sum != byte(want) {
		return Sentence{}, fmt.Errorf("checksum mismatch: got %02X, want %02X", sum, want)
	}

	parts := strings.Split(body, ",")
	address := parts[0]
	if len(address) < 5 {
		return Sentence{}, fmt.Errorf("short address field: %q", address)
	}
	return Sentence{
		Talker: address[:2],
		Type:   address[len(address)-3:],
		Fields: parts[1:],
	}, nil
}

// GGA carries the fix data from a GGA sentence.
type GGA struct {
	Time       time.Duration // time of day, UTC
	Lat, Lon   float64       // decimal degrees, +N/+E
	Quality    FixQuality
	Satellites int
	HDOP       float64
	AltitudeM  float64
}

// RMC carries the recommended-minimum data. Unlike GGA it includes the
// date, so it anchors the receiver's absolute UTC time.
type RMC struct {
	Time  time.Time // full UTC timestamp
	Valid bool      // status field A (valid) / V (void)
	Lat   float64
	Lon   float64
}

// ParseGGA decodes a GGA sentence. Empty positional fields are legal
// while the receiver is acquiring and decode to zero values.
func ParseGGA(s Sentence) (GGA, error) {
	if s.Type != "GGA" {
		return GGA{}, fmt.Errorf("not a GGA sentence: %s", s.Type)
	}
	if len(s.Fields) < 9 {
		return GGA{}, fmt.Errorf("GGA wants 9+ fields, got %d", len(s.Fields))
	}

	tod, err := parseTimeOfDay(s.Fields[0])
	if err != nil {
		return GGA{}, err
	}

	lat, err := parseCoordinate(s.Fields[1], s.Fields[2], 2)
	if err != nil {
		return GGA{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := parseCoordinate(s.Fields[3], s.Fields[4], 3)
	if err != nil {
		return GGA{}, fmt.Errorf("longitude: %w", err)
	}

	quality := 0
	if s.Fields[5] != "" {
		quality, err = strconv.Atoi(s.Fields[5])
		if err != nil {
			return GGA{}, fmt.Errorf("fix quality: %w", err)
		}
	}
	sats := 0
	if s.Fields[6] != "" {
		sats, err = strconv.Atoi(s.Fields[6])
		if err != nil {
			return GGA{}, fmt.Errorf("satellite count: %w", err)
		}
	}
	hdop := 0.0
	if s.Fields[7] != "" {
		hdop, err = strconv.ParseFloat(s.Fields[7], 64)
		if err != nil {
			return GGA{}, fmt.Errorf("hdop: %w", err)
		}
	}
	alt := 0.0
	if s.Fields[8] != "" {
		alt, err = strconv.ParseFloat(s.Fields[8], 64)
		if err != nil {
			return GGA{}, fmt.Errorf("altitude: %w", err)
		}
	}

	return GGA{
		Time:       tod,
		Lat:        lat,
		Lon:        lon,
		Quality:    FixQuality(quality),
		Satellites: sats,
		HDOP:       hdop,
		AltitudeM:  alt,
	}, nil
}

// ParseRMC decodes an RMC sentence.
func ParseRMC(s Sentence) (RMC, error) {
	if s.Type != "RMC" {
		return RMC{}, fmt.Errorf("not an RMC sentence: %s", s.Type)
	}
	if len(s.Fields) < 9 {
		return RMC{}, fmt.Errorf("RMC wants 9+ fields, got %d", len(s.Fields))
	}

	tod, err := parseTimeOfDay(s.Fields[0])
	if err != nil {
		return RMC{}, err
	}
	date, err := parseDate(s.Fields[8])
	if err != nil {
		return RMC{}, err
	}

	lat, err := parseCoordinate(s.Fields[2], s.Fields[3], 2)
	if err != nil {
		return RMC{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := parseCoordinate(s.Fields[4], s.Fields[5], 3)
	if err != nil {
		return RMC{}, fmt.Errorf("longitude: %w", err)
	}

	return RMC{
		Time:  date.Add(tod),
		Valid: s.Fields[1] == "A",
		Lat:   lat,
		Lon:   lon,
	}, nil
}

// parseTimeOfDay decodes an hhmmss.sss field into an offset from UTC
// midnight.
func parseTimeOfDay(field string) (time.Duration, error) {
	if len(field) < 6 {
		return 0, fmt.Errorf("bad time field: %q", field)
	}
	hh, err1 := strconv.Atoi(field[0:2])
	mm, err2 := strconv.Atoi(field[2:4])
	ss, err3 := strconv.ParseFloat(field[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("bad time field: %q", field)
	}
	if hh > 23 || mm > 59 || ss >= 61 {
		return 0, fmt.Errorf("time field out of range: %q", field)
	}
	return time.Duration(hh)*time.Hour +
		time.Duration(mm)*time.Minute +
		time.Duration(ss*float64(time.Second)), nil
}

// parseDate decodes a ddmmyy field into a UTC midnight. Two-digit years
// pivot into 2000-2099, which holds for the life of this receiver.
func parseDate(field string) (time.Time, error) {
	if len(field) != 6 {
		return time.Time{}, fmt.Errorf("bad date field: %q", field)
	}
	dd, err1 := strconv.Atoi(field[0:2])
	mm, err2 := strconv.Atoi(field[2:4])
	yy, err3 := strconv.Atoi(field[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, fmt.Errorf("bad date field: %q", field)
	}
	return time.Date(2000+yy, time.Month(mm), dd, 0, 0, 0, 0, time.UTC), nil
}

// parseCoordinate decodes the ddmm.mmmm / dddmm.mmmm + hemisphere pair
// into signed decimal degrees. degDigits is 2 for latitude, 3 for
// longitude. Empty fields decode to zero while acquiring.
func parseCoordinate(value, hemisphere string, degDigits int) (float64, error) {
	if value == "" {
		return 0, nil
	}
	if len(value) < degDigits+2 {
		return 0, fmt.Errorf("bad coordinate: %q", value)
	}
	deg, err := strconv.Atoi(value[:degDigits])
	if err != nil {
		return 0, fmt.Errorf("bad coordinate: %q", value)
	}
	minutes, err := strconv.ParseFloat(value[degDigits:], 64)
	if err != nil {
		return 0, fmt.Errorf("bad coordinate: %q", value)
	}
	result := float64(deg) + minutes/60
	switch hemisphere {
	case "S", "W":
		result = -result
	case "N", "E", "":
	default:
		return 0, fmt.Errorf("bad hemisphere: %q", hemisphere)
	}
	return result, nil
}
