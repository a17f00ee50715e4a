package decode

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/tlv"
)

const (
	thSize       = 6
	realtimeSize = 4 + thSize + 1
	historyHead  = 4 + 2
	sensorV2Head = 4 + 1
)

func parseBinary(r *Result, payload []byte, spec *device.Spec, now time.Time) error {
	f, err := tlv.ParseFrame(payload)
	if err != nil {
		return err
	}
	r.Command = f.Command
	r.ChecksumValid = f.ChecksumValid || !f.HasChecksum
	tags := spec.Tags
	if tags == nil {
		tags = device.Lookup(device.ModelUnknown).Tags
	}
	for _, e := range f.Entries {
		ts, ok := tags[e.Tag]
		if !ok || !resolveEntry(r, ts, e.Value, now) {
			r.Ignored = append(r.Ignored, e.Tag)
		}
	}
	return nil
}

// resolveEntry returns false on malformed value, such entry is skipped.
func resolveEntry(r *Result, ts device.TagSpec, v []byte, now time.Time) bool {
	switch ts.Kind {
	case device.KindRealtime:
		if len(v) < realtimeSize {
			return false
		}
		t := unixTime(int64(binary.LittleEndian.Uint32(v)), now)
		r.appendTH(v[4:4+thSize], t, device.ReportRealtime)
		r.Meta.RSSI = device.IntPtr(int(int8(v[4+thSize])))
		r.setReport(device.ReportRealtime)
		return true

	case device.KindHistory:
		if len(v) < historyHead || (len(v)-historyHead)%thSize != 0 {
			return false
		}
		start := int64(binary.LittleEndian.Uint32(v))
		step := int64(binary.LittleEndian.Uint16(v[4:]))
		packs := v[historyHead:]
		for i := 0; i*thSize < len(packs); i++ {
			t := unixTime(start+step*int64(i), now)
			r.appendTH(packs[i*thSize:(i+1)*thSize], t, device.ReportHistoric)
		}
		r.setReport(device.ReportHistoric)
		return true

	case device.KindSensorV2:
		if len(v) < sensorV2Head {
			return false
		}
		layout, ok := device.SensorV2Layouts[v[4]]
		if !ok {
			return false
		}
		need := sensorV2Head
		for _, l := range layout {
			need += l.Size
		}
		if len(v) < need {
			return false
		}
		t := unixTime(int64(binary.LittleEndian.Uint32(v)), now)
		off := sensorV2Head
		for _, l := range layout {
			b := v[off : off+l.Size]
			off += l.Size
			var x float64
			if l.Signed {
				x = float64(tlv.Int(b))
			} else {
				x = float64(tlv.Uint(b))
			}
			if l.Div != 0 {
				x /= l.Div
			}
			r.Readings = append(r.Readings, device.Reading{Code: l.Code, Value: x, Time: t, Report: device.ReportRealtime})
		}
		r.setReport(device.ReportRealtime)
		return true
	}
	return resolveScalar(r, ts, v)
}

func resolveScalar(r *Result, ts device.TagSpec, v []byte) bool {
	var n int
	switch ts.Kind {
	case device.KindUint, device.KindBool:
		if len(v) == 0 || len(v) > 8 {
			return false
		}
		n = int(tlv.Uint(v))
	case device.KindInt:
		if len(v) == 0 || len(v) > 8 {
			return false
		}
		n = int(tlv.Int(v))
	}
	if ts.Scale > 1 {
		n *= int(ts.Scale)
	}

	m := &r.Meta
	switch ts.Field {
	case device.FieldFirmware:
		m.Firmware = cString(v)
	case device.FieldModelVersion:
		m.ModelVersion = cString(v)
	case device.FieldMCUVersion:
		m.MCUVersion = cString(v)
	case device.FieldReportInterval:
		m.Reported.Interval = device.IntPtr(n)
	case device.FieldDeviceStatus:
		m.DeviceStatus = device.IntPtr(n)
	case device.FieldBattery:
		m.Battery = device.IntPtr(n)
	case device.FieldSignal:
		m.Signal = device.IntPtr(n)
	case device.FieldUSBPlugged:
		m.USBPlugged = device.BoolPtr(n != 0)
	case device.FieldPMSerial:
		m.PMSerial = strings.ToUpper(hex.EncodeToString(v))
		m.PMModule = device.BoolPtr(len(v) != 0)
	case device.FieldProductID:
		m.ProductID = device.IntPtr(n)
	case device.FieldOption:
		if m.Reported.Options == nil {
			m.Reported.Options = make(map[string]int)
		}
		m.Reported.Options[ts.Option] = n
	default:
		return false
	}
	return true
}

// TH(6): 3 byte packed temperature and humidity, u16 pressure, battery.
func (r *Result) appendTH(b []byte, t time.Time, rt device.ReportType) {
	th := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	temp := float64(int(th>>12)-500) / 10
	hum := float64(th&0xfff) / 10
	pressure := float64(binary.LittleEndian.Uint16(b[3:])) / 100
	battery := float64(b[5])
	r.Readings = append(r.Readings,
		device.Reading{Code: device.SensorTemperature, Value: temp, Time: t, Report: rt},
		device.Reading{Code: device.SensorHumidity, Value: hum, Time: t, Report: rt},
	)
	if pressure != 0 {
		r.Readings = append(r.Readings, device.Reading{Code: device.SensorPressure, Value: pressure, Time: t, Report: rt})
	}
	r.Readings = append(r.Readings, device.Reading{Code: device.SensorBattery, Value: battery, Time: t, Report: rt})
	if rt == device.ReportRealtime {
		r.Meta.Battery = device.IntPtr(int(b[5]))
	}
}

// realtime wins over historic in one frame
func (r *Result) setReport(rt device.ReportType) {
	if r.Meta.Report != device.ReportRealtime {
		r.Meta.Report = rt
	}
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
