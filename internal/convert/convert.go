// Package convert applies calibration offsets and computes presentation units.
// Stored readings are never modified here.
package convert

import (
	"fmt"
	"math"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/internal/device"
)

var ErrOffsetOutOfRange = fmt.Errorf("offset out of range")

// eTVOC index domain upper bound, ln(501-index) must be defined.
const etvocIndexLimit = 501

func ApplyOffset(raw, offset float64) float64 { return raw + offset }

// CheckOffset validates offset write against model range [-limit, +limit].
func CheckOffset(spec *device.Spec, code device.SensorCode, offset float64) error {
	limit, ok := spec.OffsetLimit(code)
	if !ok {
		return errors.NotSupportedf("model=%s offset for sensor=%s", spec.Model, code)
	}
	if math.IsNaN(offset) || offset < -limit || offset > limit {
		return errors.Annotatef(ErrOffsetOutOfRange, "sensor=%s offset=%g allowed=[%g,%g]", code, offset, -limit, limit)
	}
	return nil
}

type TVOCValues struct {
	PPB  float64
	PPM  float64
	MgM3 float64
}

func TVOC(ppb float64) TVOCValues {
	return TVOCValues{PPB: ppb, PPM: ppb / 1000, MgM3: ppb / 218.77}
}

type ETVOCValues struct {
	Index float64
	PPB   float64
	MgM3  float64
}

func ETVOC(index float64) (ETVOCValues, error) {
	if math.IsNaN(index) || index >= etvocIndexLimit {
		return ETVOCValues{}, errors.NotValidf("etvoc index=%g", index)
	}
	ppb := (math.Log(etvocIndexLimit-index) - 6.24) * -2215.4
	return ETVOCValues{Index: index, PPB: ppb, MgM3: (ppb*45 + 5) / 10000}, nil
}

func CelsiusToFahrenheit(c float64) float64 { return c*9/5 + 32 }
func FahrenheitToCelsius(f float64) float64 { return (f - 32) * 5 / 9 }

// Round half away from zero to given decimal places.
func Round(x float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(x*p) / p
}
