package device

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/tlv"
)

const (
	OptionCO2ASC           = "co2_asc"
	OptionLED              = "led"
	OptionCollectInterval  = "collect_interval"
	OptionPowerOffTime     = "power_off_time"
	OptionDisplayOffTime   = "display_off_time"
	OptionAutoSlidingTime  = "auto_slideing_time"
	OptionScreensaverType  = "screensaver_type"
	OptionNightModeStart   = "night_mode_start_time"
	OptionNightModeEnd     = "night_mode_end_time"
	OptionTimezone         = "timezone"
	DefaultRealtimeSeconds = 86400
)

// Range of integer setting, Step 0 means any integer.
type Range struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Step    int `json:"step,omitempty"`
	Default int `json:"default"`
}

func (r Range) Check(name string, x int) error {
	if x < r.Min || x > r.Max {
		return errors.NotValidf("%s=%d out of range [%d,%d]", name, x, r.Min, r.Max)
	}
	if r.Step > 1 && (x-r.Min)%r.Step != 0 {
		return errors.NotValidf("%s=%d step=%d", name, x, r.Step)
	}
	return nil
}

type OptionSpec struct {
	Key   string
	Range Range
	// settings tag for binary models, 0 for JSON
	Tag tlv.Tag
	// wire width of settings tag value
	Size int
}

// Spec is static description of one model, selected once per message.
type Spec struct {
	Model  Model
	Format WireFormat
	// sensors the model has, presentation order
	Sensors []SensorCode
	// allowed absolute offset per sensor, absent means no offset support
	Offsets map[SensorCode]float64
	// report interval, seconds
	Interval Range
	// seconds per report interval wire unit
	IntervalUnit int
	Realtime     bool
	// first realtime report after publish acknowledges config
	ImplicitAck bool
	Options     []OptionSpec
	Tags        TagTable
	JSONKeys    map[string]SensorCode
}

const (
	offsetClimate = 10
	offsetOther   = 500
)

var (
	jsonInterval = Range{Min: 5, Max: 120, Step: 5, Default: 15}
	tlvInterval  = Range{Min: 60, Max: 86400, Step: 60, Default: 900}
	switchRange  = Range{Min: 0, Max: 1, Default: 1}
)

func offsets(codes ...SensorCode) map[SensorCode]float64 {
	m := make(map[SensorCode]float64, len(codes))
	for _, c := range codes {
		switch c {
		case SensorTemperature, SensorHumidity:
			m[c] = offsetClimate
		default:
			m[c] = offsetOther
		}
	}
	return m
}

func jsonSpec(m Model, sensors []SensorCode, offs map[SensorCode]float64, opts ...OptionSpec) *Spec {
	return &Spec{
		Model:        m,
		Format:       FormatJSON,
		Sensors:      sensors,
		Offsets:      offs,
		Interval:     jsonInterval,
		IntervalUnit: 1,
		Realtime:     true,
		ImplicitAck:  true,
		Options:      opts,
		JSONKeys:     jsonKeys,
	}
}

func tlvSpec(m Model, sensors []SensorCode, offs map[SensorCode]float64) *Spec {
	return &Spec{
		Model:        m,
		Format:       FormatTLV,
		Sensors:      sensors,
		Offsets:      offs,
		Interval:     tlvInterval,
		IntervalUnit: 60,
		Options: []OptionSpec{
			{Key: OptionCO2ASC, Range: switchRange, Tag: TagCO2ASC, Size: 1},
			{Key: OptionLED, Range: switchRange, Tag: TagLED, Size: 1},
			{Key: OptionCollectInterval, Range: Range{Min: 1, Max: 3600, Default: 60}, Tag: TagCollectInterval, Size: 2},
		},
		Tags: co2Tags,
	}
}

var specs = [modelCount]*Spec{
	ModelUnknown: {
		Model:        ModelUnknown,
		Interval:     jsonInterval,
		IntervalUnit: 1,
		Tags:         baseTags,
		JSONKeys:     jsonKeys,
	},
	ModelCGS1: jsonSpec(ModelCGS1,
		[]SensorCode{SensorTemperature, SensorHumidity, SensorCO2, SensorPM25, SensorPM10, SensorTVOC, SensorBattery},
		offsets(SensorTemperature, SensorHumidity, SensorCO2, SensorPM25, SensorPM10, SensorTVOC),
		OptionSpec{Key: OptionCO2ASC, Range: switchRange},
	),
	ModelCGS2: jsonSpec(ModelCGS2,
		[]SensorCode{SensorTemperature, SensorHumidity, SensorCO2, SensorPM25, SensorPM10, SensorETVOC, SensorNoise, SensorBattery},
		offsets(SensorTemperature, SensorHumidity, SensorCO2, SensorPM25, SensorPM10, SensorNoise, SensorETVOC),
		OptionSpec{Key: OptionCO2ASC, Range: switchRange},
	),
	ModelCGDN1: jsonSpec(ModelCGDN1,
		[]SensorCode{SensorTemperature, SensorHumidity, SensorCO2, SensorPM25, SensorPM10, SensorBattery},
		offsets(SensorTemperature, SensorHumidity, SensorCO2, SensorPM25, SensorPM10),
		OptionSpec{Key: OptionCO2ASC, Range: switchRange},
		OptionSpec{Key: OptionPowerOffTime, Range: Range{Min: 0, Max: 60, Default: 30}},
		OptionSpec{Key: OptionDisplayOffTime, Range: Range{Min: 0, Max: 300, Default: 30}},
		OptionSpec{Key: OptionAutoSlidingTime, Range: Range{Min: 0, Max: 180, Step: 5, Default: 30}},
		OptionSpec{Key: OptionScreensaverType, Range: Range{Min: 0, Max: 3, Default: 1}},
		OptionSpec{Key: OptionNightModeStart, Range: Range{Min: 0, Max: 1439, Default: 1260}},
		OptionSpec{Key: OptionNightModeEnd, Range: Range{Min: 0, Max: 1439, Default: 360}},
		OptionSpec{Key: OptionTimezone, Range: Range{Min: -12, Max: 14, Default: 0}},
	),
	ModelCGP22C: tlvSpec(ModelCGP22C,
		[]SensorCode{SensorTemperature, SensorHumidity, SensorCO2, SensorPressure, SensorBattery},
		offsets(SensorTemperature, SensorHumidity, SensorCO2),
	),
	ModelCGR1W: tlvSpec(ModelCGR1W,
		[]SensorCode{SensorTemperature, SensorHumidity, SensorCO2, SensorPM25, SensorPM10, SensorTVOC, SensorNoise, SensorLight},
		offsets(SensorTemperature, SensorHumidity, SensorCO2, SensorPM25, SensorPM10),
	),
	ModelCGR1PW: tlvSpec(ModelCGR1PW,
		[]SensorCode{SensorTemperature, SensorHumidity, SensorCO2, SensorPM25, SensorPM10, SensorTVOC, SensorNoise, SensorLight},
		offsets(SensorTemperature, SensorHumidity, SensorCO2, SensorPM25, SensorPM10),
	),
}

// Lookup never returns nil, unknown model gets generic table.
func Lookup(m Model) *Spec {
	if m < modelCount {
		return specs[m]
	}
	return specs[ModelUnknown]
}

// HasSensor is true for any code when model sensor set is not known.
func (s *Spec) HasSensor(c SensorCode) bool {
	if len(s.Sensors) == 0 {
		return true
	}
	for _, x := range s.Sensors {
		if x == c {
			return true
		}
	}
	return false
}

func (s *Spec) OffsetLimit(c SensorCode) (float64, bool) {
	lim, ok := s.Offsets[c]
	return lim, ok
}

func (s *Spec) Option(key string) (OptionSpec, bool) {
	for _, o := range s.Options {
		if o.Key == key {
			return o, true
		}
	}
	return OptionSpec{}, false
}

func (s *Spec) DefaultConfig() Config {
	c := Config{Interval: s.Interval.Default, Realtime: s.Realtime}
	if len(s.Options) != 0 {
		c.Options = make(map[string]int, len(s.Options))
		for _, o := range s.Options {
			c.Options[o.Key] = o.Range.Default
		}
	}
	return c
}

// CheckConfig validates interval and known option keys with ranges.
// Options are also checked against OptionsSchema by callers taking
// untyped input.
func (s *Spec) CheckConfig(c Config) error {
	if s.Model == ModelUnknown {
		return errors.NotValidf("config for unknown model")
	}
	if err := s.Interval.Check("interval", c.Interval); err != nil {
		return err
	}
	if c.Realtime && !s.Realtime {
		return errors.NotValidf("model=%s realtime", s.Model)
	}
	for k, v := range c.Options {
		o, ok := s.Option(k)
		if !ok {
			return errors.NotValidf("model=%s option=%s", s.Model, k)
		}
		if err := o.Range.Check(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Normalize rounds interval to wire unit, as device will report it back.
func (s *Spec) Normalize(c Config) Config {
	n := c.Clone()
	if u := s.IntervalUnit; u > 1 {
		n.Interval = (n.Interval + u - 1) / u * u
	}
	if !s.Realtime {
		n.Realtime = false
	}
	return n
}

// Converged reports whether acknowledged equals desired field by field.
// Field never reported by device counts as different.
func (s *Spec) Converged(desired Config, acked Reported) bool {
	d := s.Normalize(desired)
	if acked.Interval == nil || *acked.Interval != d.Interval {
		return false
	}
	if s.Realtime && (acked.Realtime == nil || *acked.Realtime != d.Realtime) {
		return false
	}
	for k, v := range d.Options {
		if x, ok := acked.Options[k]; !ok || x != v {
			return false
		}
	}
	return true
}

type schemaProp struct {
	Type       string `json:"type"`
	Minimum    int    `json:"minimum"`
	Maximum    int    `json:"maximum"`
	MultipleOf int    `json:"multipleOf,omitempty"`
	Default    int    `json:"default"`
}

// OptionsSchema is JSON Schema document for Config.Options of this model.
func (s *Spec) OptionsSchema() json.RawMessage {
	props := make(map[string]schemaProp, len(s.Options))
	for _, o := range s.Options {
		p := schemaProp{Type: "integer", Minimum: o.Range.Min, Maximum: o.Range.Max, Default: o.Range.Default}
		if o.Range.Step > 1 && o.Range.Min%o.Range.Step == 0 {
			p.MultipleOf = o.Range.Step
		}
		props[o.Key] = p
	}
	doc := map[string]interface{}{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic("code error options schema marshal: " + err.Error())
	}
	return b
}
