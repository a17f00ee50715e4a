package convert

import (
	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/internal/device"
)

type System string

const (
	Metric   System = "metric"
	Imperial System = "imperial"
)

type Unit string

const (
	UnitPPB   Unit = "ppb"
	UnitPPM   Unit = "ppm"
	UnitMgM3  Unit = "mg/m3"
	UnitIndex Unit = "index"
)

// Units are host presentation preferences, read-only for this package.
type Units struct {
	System System `json:"system" hcl:"system"`
	TVOC   Unit   `json:"tvoc" hcl:"tvoc"`
	ETVOC  Unit   `json:"etvoc" hcl:"etvoc"`
}

func DefaultUnits() Units {
	return Units{System: Metric, TVOC: UnitPPB, ETVOC: UnitIndex}
}

// WithDefaults fills empty fields.
func (u Units) WithDefaults() Units {
	d := DefaultUnits()
	if u.System == "" {
		u.System = d.System
	}
	if u.TVOC == "" {
		u.TVOC = d.TVOC
	}
	if u.ETVOC == "" {
		u.ETVOC = d.ETVOC
	}
	return u
}

func (u Units) Validate() error {
	switch u.System {
	case Metric, Imperial:
	default:
		return errors.NotValidf("unit system=%q", u.System)
	}
	switch u.TVOC {
	case UnitPPB, UnitPPM, UnitMgM3:
	default:
		return errors.NotValidf("tvoc unit=%q", u.TVOC)
	}
	switch u.ETVOC {
	case UnitIndex, UnitPPB, UnitMgM3:
	default:
		return errors.NotValidf("etvoc unit=%q", u.ETVOC)
	}
	return nil
}

// Value is one reading ready for host display.
type Value struct {
	Code        device.SensorCode `json:"code"`
	Value       float64           `json:"value"`
	Unit        string            `json:"unit"`
	Unavailable bool              `json:"unavailable,omitempty"`
}

// Present applies offset first, then unit conversion and display rounding.
// Temperature offset is in Celsius, conversion to Fahrenheit happens after.
func Present(r device.Reading, offset float64, u Units) (Value, error) {
	v := Value{Code: r.Code, Unit: r.Code.Unit(), Unavailable: r.Unavailable}
	if r.Unavailable {
		return v, nil
	}
	x := ApplyOffset(r.Value, offset)
	switch r.Code {
	case device.SensorTemperature:
		if u.System == Imperial {
			x = CelsiusToFahrenheit(x)
			v.Unit = "°F"
		}
		x = Round(x, 1)
	case device.SensorHumidity, device.SensorPressure:
		x = Round(x, 1)
	case device.SensorTVOC:
		t := TVOC(x)
		switch u.TVOC {
		case UnitPPM:
			x = t.PPM
		case UnitMgM3:
			x = t.MgM3
		}
		if u.TVOC != "" {
			v.Unit = string(u.TVOC)
		}
		x = Round(x, 3)
	case device.SensorETVOC:
		if u.ETVOC == UnitPPB || u.ETVOC == UnitMgM3 {
			e, err := ETVOC(x)
			if err != nil {
				return v, err
			}
			x = e.PPB
			if u.ETVOC == UnitMgM3 {
				x = e.MgM3
			}
		}
		if u.ETVOC != "" {
			v.Unit = string(u.ETVOC)
		}
		x = Round(x, 3)
	}
	v.Value = x
	return v, nil
}
