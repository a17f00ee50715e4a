package reconcile

import (
	"encoding/json"
	"strconv"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/tlv"
)

// JSON message types understood by devices.
const (
	jsonTypeConfig    = "12"
	jsonTypeCalibrate = "29"
)

// ConfigPayload encodes config for model wire format.
func ConfigPayload(spec *device.Spec, c device.Config) ([]byte, error) {
	switch spec.Format {
	case device.FormatJSON:
		return configJSON(spec, c)
	case device.FormatTLV:
		return configTLV(spec, c)
	}
	return nil, errors.NotSupportedf("config for model=%s", spec.Model)
}

func configJSON(spec *device.Spec, c device.Config) ([]byte, error) {
	duration := "0"
	if c.Realtime {
		duration = strconv.Itoa(device.DefaultRealtimeSeconds)
	}
	m := map[string]interface{}{
		"type":     jsonTypeConfig,
		"up_itvl":  strconv.Itoa(c.Interval),
		"duration": duration,
	}
	if len(c.Options) != 0 {
		setting := make(map[string]int, len(c.Options))
		for _, o := range spec.Options {
			if v, ok := c.Options[o.Key]; ok {
				setting[o.Key] = v
			}
		}
		m["setting"] = setting
	}
	return json.Marshal(m)
}

func configTLV(spec *device.Spec, c device.Config) ([]byte, error) {
	unit := spec.IntervalUnit
	if unit <= 0 {
		unit = 1
	}
	n := spec.Normalize(c)
	es := make(tlv.Entries, 0, 1+len(spec.Options))
	es = append(es, tlv.Entry{Tag: device.TagReportInterval, Value: tlv.U16(uint16(n.Interval / unit))})
	for _, o := range spec.Options {
		v, ok := c.Options[o.Key]
		if !ok || o.Tag == 0 {
			continue
		}
		b := make([]byte, o.Size)
		tlv.PutUint(b, uint64(v))
		es = append(es, tlv.Entry{Tag: o.Tag, Value: b})
	}
	f := tlv.Frame{Command: tlv.CommandSettings, Entries: es}
	return f.Bytes()
}

// CalibratePayload starts manual CO2 calibration, JSON models only.
func CalibratePayload(spec *device.Spec) ([]byte, error) {
	if spec.Format != device.FormatJSON {
		return nil, errors.NotSupportedf("calibrate model=%s", spec.Model)
	}
	return json.Marshal(map[string]string{"type": jsonTypeCalibrate})
}

// RequestSettingsPayload asks binary model to report its settings.
func RequestSettingsPayload(spec *device.Spec) ([]byte, error) {
	if spec.Format != device.FormatTLV {
		return nil, errors.NotSupportedf("request settings model=%s", spec.Model)
	}
	f := tlv.Frame{Command: tlv.CommandRequestSettings}
	return f.Bytes()
}
