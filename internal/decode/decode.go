// Package decode turns one raw device message into canonical readings
// and metadata. Pure functions, no state.
package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/tlv"
)

var ErrUnsupportedFormat = fmt.Errorf("decode: unsupported payload format")

type Result struct {
	// From topic, falls back to payload.
	MAC      device.MAC
	Format   device.WireFormat
	Readings []device.Reading
	Meta     device.Metadata

	// binary frames only
	Command       tlv.Command
	ChecksumValid bool
	// Tags absent from model table or with malformed value.
	Ignored []tlv.Tag
}

func (r *Result) String() string {
	return fmt.Sprintf("<Result mac=%s format=%s readings=%v meta=(%s)>", r.MAC, r.Format, r.Readings, r.Meta.String())
}

// Classify trusts model hint when payload agrees with it,
// otherwise sniffs payload shape.
func Classify(payload []byte, hint device.Model) device.WireFormat {
	switch device.Lookup(hint).Format {
	case device.FormatTLV:
		if tlv.IsFrame(payload) {
			return device.FormatTLV
		}
	case device.FormatJSON:
		if looksJSONObject(payload) {
			return device.FormatJSON
		}
	}
	if tlv.IsFrame(payload) {
		return device.FormatTLV
	}
	if looksJSONObject(payload) && json.Valid(payload) {
		return device.FormatJSON
	}
	return device.FormatUnknown
}

// Parse is classify and parse of one message.
// now is used for readings without device timestamp.
func Parse(topic string, payload []byte, hint device.Model, now time.Time) (*Result, error) {
	r := &Result{Format: Classify(payload, hint)}
	if mac, err := device.MACFromTopic(topic); err == nil {
		r.MAC = mac
	}
	spec := device.Lookup(hint)
	var err error
	switch r.Format {
	case device.FormatTLV:
		err = parseBinary(r, payload, spec, now)
	case device.FormatJSON:
		err = parseJSON(r, payload, spec, now)
	default:
		return nil, errors.Annotatef(ErrUnsupportedFormat, "topic=%s payload=%s", topic, preview(payload))
	}
	if err != nil {
		return nil, errors.Annotatef(err, "topic=%s", topic)
	}
	if r.MAC == "" {
		r.MAC = r.Meta.MAC
	}
	if r.MAC == "" {
		return nil, errors.NotValidf("device identity topic=%s", topic)
	}
	sort.SliceStable(r.Readings, func(i, j int) bool {
		a, b := r.Readings[i], r.Readings[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		return a.Code < b.Code
	})
	return r, nil
}

// Latest returns last reading per sensor code, input must be sorted by time.
func Latest(rs []device.Reading) map[device.SensorCode]device.Reading {
	m := make(map[device.SensorCode]device.Reading, len(rs))
	for _, r := range rs {
		m[r.Code] = r
	}
	return m
}

func looksJSONObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) >= 2 && b[0] == '{' && b[len(b)-1] == '}'
}

func preview(b []byte) string {
	const max = 32
	if len(b) > max {
		return fmt.Sprintf("%x...(%d)", b[:max], len(b))
	}
	return fmt.Sprintf("%x", b)
}

func unixTime(sec int64, fallback time.Time) time.Time {
	if sec <= 0 {
		return fallback
	}
	return time.Unix(sec, 0).UTC()
}
