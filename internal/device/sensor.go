package device

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

type SensorCode uint8

const (
	SensorInvalid SensorCode = iota
	SensorTemperature
	SensorHumidity
	SensorCO2
	SensorPM25
	SensorPM10
	SensorTVOC
	SensorETVOC
	SensorNoise
	SensorBattery
	SensorPressure
	SensorLight
	sensorCount
)

var sensorNames = [sensorCount]string{
	SensorInvalid:     "invalid",
	SensorTemperature: "temperature",
	SensorHumidity:    "humidity",
	SensorCO2:         "co2",
	SensorPM25:        "pm25",
	SensorPM10:        "pm10",
	SensorTVOC:        "tvoc",
	SensorETVOC:       "etvoc",
	SensorNoise:       "noise",
	SensorBattery:     "battery",
	SensorPressure:    "pressure",
	SensorLight:       "light",
}

// Unit of raw value as produced by decoder.
var sensorUnits = [sensorCount]string{
	SensorTemperature: "°C",
	SensorHumidity:    "%",
	SensorCO2:         "ppm",
	SensorPM25:        "µg/m³",
	SensorPM10:        "µg/m³",
	SensorTVOC:        "ppb",
	SensorETVOC:       "index",
	SensorNoise:       "dB",
	SensorBattery:     "%",
	SensorPressure:    "kPa",
	SensorLight:       "lx",
}

func (c SensorCode) String() string {
	if c < sensorCount {
		return sensorNames[c]
	}
	return fmt.Sprintf("sensor(%d)", uint8(c))
}

func (c SensorCode) Unit() string {
	if c < sensorCount {
		return sensorUnits[c]
	}
	return ""
}

func (c SensorCode) Valid() bool { return c > SensorInvalid && c < sensorCount }

func ParseSensorCode(s string) (SensorCode, error) {
	for c := SensorTemperature; c < sensorCount; c++ {
		if sensorNames[c] == s {
			return c, nil
		}
	}
	// JSON payload and original config keys
	switch s {
	case "tvoc_index":
		return SensorETVOC, nil
	case "pm2_5", "pm2.5":
		return SensorPM25, nil
	}
	return SensorInvalid, errors.NotValidf("sensor=%q", s)
}

func AllSensors() []SensorCode {
	cs := make([]SensorCode, 0, sensorCount-1)
	for c := SensorTemperature; c < sensorCount; c++ {
		cs = append(cs, c)
	}
	return cs
}

type ReportType uint8

const (
	ReportUnknown  ReportType = 0
	ReportRealtime ReportType = 12
	ReportHistoric ReportType = 17
)

func (r ReportType) String() string {
	switch r {
	case ReportRealtime:
		return "realtime"
	case ReportHistoric:
		return "historic"
	}
	return fmt.Sprintf("report(%d)", uint8(r))
}

// ReportTypeOf maps JSON message type, other types (config, commands) are not reports.
func ReportTypeOf(x int) ReportType {
	switch x {
	case int(ReportRealtime):
		return ReportRealtime
	case int(ReportHistoric):
		return ReportHistoric
	}
	return ReportUnknown
}

// Reading is canonical immutable measurement independent of wire format.
type Reading struct {
	Code   SensorCode `json:"code"`
	Value  float64    `json:"value"`
	Time   time.Time  `json:"time"`
	Report ReportType `json:"report"`
	// Sensor reported itself off, e.g. PM module disabled, Value is meaningless.
	Unavailable bool `json:"unavailable,omitempty"`
}

func (r Reading) String() string {
	if r.Unavailable {
		return fmt.Sprintf("%s=unavailable", r.Code)
	}
	return fmt.Sprintf("%s=%g", r.Code, r.Value)
}

func (c SensorCode) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, errors.NotValidf("sensor=%d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *SensorCode) UnmarshalText(b []byte) error {
	x, err := ParseSensorCode(string(b))
	if err != nil {
		return err
	}
	*c = x
	return nil
}
