package decode

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/internal/device"
)

// PM module switched off reports this value.
const pmUnavailable = 99999

const (
	keyMAC        = "mac"
	keyTimestamp  = "timestamp"
	keyVersion    = "version"
	keyType       = "type"
	keySensorData = "sensorData"
	keyInterval   = "up_itvl"
	keySetting    = "setting"
)

type jsonObject = map[string]json.RawMessage

// sensorValue is either bare number or {"value","status","timestamp"}.
type sensorValue struct {
	Value     *float64
	Status    *int
	Timestamp int64
}

func parseJSON(r *Result, payload []byte, spec *device.Spec, now time.Time) error {
	if spec.JSONKeys == nil {
		// binary model hint, payload disagrees
		spec = device.Lookup(device.ModelUnknown)
	}
	var top jsonObject
	if err := json.Unmarshal(payload, &top); err != nil {
		return errors.Annotate(ErrUnsupportedFormat, err.Error())
	}
	if s, ok := jsonString(top[keyMAC]); ok && s != "" {
		mac, err := device.NormalizeMAC(s)
		if err != nil {
			return errors.Annotate(err, "payload mac")
		}
		r.Meta.MAC = mac
	}
	if s, ok := jsonString(top[keyVersion]); ok {
		r.Meta.Firmware = s
	}
	msgTime := now
	if ts, ok := jsonTimestamp(top[keyTimestamp]); ok {
		msgTime = unixTime(ts, now)
	}

	entries := []jsonObject{top}
	if raw, ok := top[keySensorData]; ok {
		entries = nil
		if err := json.Unmarshal(raw, &entries); err != nil {
			// config response or other non-telemetry message
			entries = nil
		}
	}

	if x, ok := jsonInt(top[keyType]); ok {
		r.Meta.Report = device.ReportTypeOf(x)
	}
	if r.Meta.Report == device.ReportUnknown && len(entries) > 1 {
		r.Meta.Report = device.ReportHistoric
	}
	switch r.Meta.Report {
	case device.ReportRealtime:
		r.Meta.Reported.Realtime = device.BoolPtr(true)
	case device.ReportHistoric:
		r.Meta.Reported.Realtime = device.BoolPtr(false)
	}

	if x, ok := jsonInt(top[keyInterval]); ok && x > 0 {
		r.Meta.Reported.Interval = device.IntPtr(x)
	}
	reportedOptions(r, spec, top)
	if raw, ok := top[keySetting]; ok {
		var setting jsonObject
		if err := json.Unmarshal(raw, &setting); err == nil {
			reportedOptions(r, spec, setting)
		}
	}

	for _, entry := range entries {
		t := msgTime
		if ts, ok := jsonTimestamp(entry[keyTimestamp]); ok {
			t = unixTime(ts, msgTime)
		}
		for key, raw := range entry {
			code, ok := spec.JSONKeys[key]
			if !ok {
				continue
			}
			sv, ok := parseSensorValue(raw)
			if !ok {
				continue
			}
			if code == device.SensorBattery && sv.Status != nil {
				bs := device.BatteryStateFromStatus(*sv.Status)
				r.Meta.BatteryState = &bs
			}
			if sv.Value == nil {
				continue
			}
			reading := device.Reading{
				Code:   code,
				Value:  *sv.Value,
				Time:   unixTime(sv.Timestamp, t),
				Report: r.Meta.Report,
			}
			switch code {
			case device.SensorPM25, device.SensorPM10:
				reading.Unavailable = reading.Value == pmUnavailable
				r.Meta.PMModule = device.BoolPtr(!reading.Unavailable)
			case device.SensorBattery:
				r.Meta.Battery = device.IntPtr(int(math.Round(reading.Value)))
			}
			r.Readings = append(r.Readings, reading)
		}
	}
	return nil
}

func reportedOptions(r *Result, spec *device.Spec, obj jsonObject) {
	for _, o := range spec.Options {
		if x, ok := jsonInt(obj[o.Key]); ok {
			if r.Meta.Reported.Options == nil {
				r.Meta.Reported.Options = make(map[string]int)
			}
			r.Meta.Reported.Options[o.Key] = x
		}
	}
}

func parseSensorValue(raw json.RawMessage) (sensorValue, bool) {
	sv := sensorValue{}
	if x, ok := jsonFloat(raw); ok {
		sv.Value = &x
		return sv, true
	}
	var obj jsonObject
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return sv, false
	}
	if x, ok := jsonFloat(obj["value"]); ok {
		sv.Value = &x
	}
	if x, ok := jsonInt(obj["status"]); ok {
		sv.Status = &x
	}
	if ts, ok := jsonTimestamp(obj[keyTimestamp]); ok {
		sv.Timestamp = ts
	}
	return sv, true
}

// jsonFloat accepts number or numeric string, devices send both.
func jsonFloat(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var x float64
	if err := json.Unmarshal(raw, &x); err == nil {
		return x, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, false
	}
	return x, true
}

func jsonInt(raw json.RawMessage) (int, bool) {
	x, ok := jsonFloat(raw)
	if !ok || x != math.Trunc(x) || math.Abs(x) > math.MaxInt32 {
		return 0, false
	}
	return int(x), true
}

func jsonString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// jsonTimestamp is unix seconds as number, string or {"value": ts}.
func jsonTimestamp(raw json.RawMessage) (int64, bool) {
	if x, ok := jsonFloat(raw); ok {
		return int64(x), true
	}
	var obj jsonObject
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		if x, ok := jsonFloat(obj["value"]); ok {
			return int64(x), true
		}
	}
	return 0, false
}
