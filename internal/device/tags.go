package device

import "github.com/zlobober/qingping-cgs1/tlv"

// Tag numbers of Qingping binary protocol.
const (
	TagHistory         tlv.Tag = 0x03
	TagReportInterval  tlv.Tag = 0x04
	TagCollectInterval tlv.Tag = 0x05
	TagBatteryOld      tlv.Tag = 0x09
	TagFirmware        tlv.Tag = 0x11
	TagRealtime        tlv.Tag = 0x14
	TagDeviceStatus    tlv.Tag = 0x1d
	TagUSBPlugged      tlv.Tag = 0x2c
	TagModelVersion    tlv.Tag = 0x34
	TagMCUVersion      tlv.Tag = 0x35
	TagProductID       tlv.Tag = 0x38
	TagCO2ASC          tlv.Tag = 0x40
	TagPMSerial        tlv.Tag = 0x61
	TagLED             tlv.Tag = 0x63
	TagBattery         tlv.Tag = 0x64
	TagSignal          tlv.Tag = 0x65
	TagSensorV2        tlv.Tag = 0x85
)

type ValueKind uint8

const (
	KindUint ValueKind = iota
	KindInt
	KindString
	KindHex
	KindBool
	KindRealtime // u32 ts + TH(6) + i8 rssi
	KindHistory  // u32 ts + u16 step + N*TH(6)
	KindSensorV2 // u32 ts + subtype + layout
)

// Field is metadata destination of scalar tag.
type Field uint8

const (
	FieldNone Field = iota
	FieldFirmware
	FieldModelVersion
	FieldMCUVersion
	FieldReportInterval
	FieldDeviceStatus
	FieldBattery
	FieldSignal
	FieldUSBPlugged
	FieldPMSerial
	FieldProductID
	FieldOption
)

type TagSpec struct {
	Tag   tlv.Tag
	Kind  ValueKind
	Field Field
	// FieldOption key in Reported.Options
	Option string
	// Multiplier applied to integer value, 0 means 1.
	// FieldReportInterval: seconds per wire unit.
	Scale float64
}

type TagTable map[tlv.Tag]TagSpec

func (t TagTable) with(specs ...TagSpec) TagTable {
	r := make(TagTable, len(t)+len(specs))
	for k, v := range t {
		r[k] = v
	}
	for _, s := range specs {
		r[s.Tag] = s
	}
	return r
}

var baseTags = TagTable{}.with(
	TagSpec{Tag: TagRealtime, Kind: KindRealtime},
	TagSpec{Tag: TagHistory, Kind: KindHistory},
	TagSpec{Tag: TagSensorV2, Kind: KindSensorV2},
	TagSpec{Tag: TagFirmware, Kind: KindString, Field: FieldFirmware},
	TagSpec{Tag: TagModelVersion, Kind: KindString, Field: FieldModelVersion},
	TagSpec{Tag: TagMCUVersion, Kind: KindString, Field: FieldMCUVersion},
	TagSpec{Tag: TagReportInterval, Kind: KindUint, Field: FieldReportInterval, Scale: 60},
	TagSpec{Tag: TagCollectInterval, Kind: KindUint, Field: FieldOption, Option: OptionCollectInterval},
	TagSpec{Tag: TagDeviceStatus, Kind: KindUint, Field: FieldDeviceStatus},
	TagSpec{Tag: TagBattery, Kind: KindUint, Field: FieldBattery},
	TagSpec{Tag: TagBatteryOld, Kind: KindUint, Field: FieldBattery},
	TagSpec{Tag: TagSignal, Kind: KindInt, Field: FieldSignal},
	TagSpec{Tag: TagUSBPlugged, Kind: KindBool, Field: FieldUSBPlugged},
	TagSpec{Tag: TagPMSerial, Kind: KindHex, Field: FieldPMSerial},
	TagSpec{Tag: TagProductID, Kind: KindUint, Field: FieldProductID},
)

var co2Tags = baseTags.with(
	TagSpec{Tag: TagCO2ASC, Kind: KindUint, Field: FieldOption, Option: OptionCO2ASC},
	TagSpec{Tag: TagLED, Kind: KindUint, Field: FieldOption, Option: OptionLED},
)

// ValueLayout is one numeric field inside composite sensor record.
type ValueLayout struct {
	Code   SensorCode
	Size   int
	Signed bool
	// raw integer is divided by Div, 0 means 1
	Div float64
}

var (
	layoutTemp     = ValueLayout{Code: SensorTemperature, Size: 2, Signed: true, Div: 10}
	layoutHumidity = ValueLayout{Code: SensorHumidity, Size: 2, Div: 10}
)

// SensorV2Layouts indexed by subtype byte of TagSensorV2 value.
var SensorV2Layouts = map[byte][]ValueLayout{
	1: {layoutTemp, layoutHumidity},
	2: {layoutTemp},
	3: {layoutTemp, layoutHumidity, {Code: SensorPressure, Size: 2, Div: 100}},
	4: {layoutTemp, layoutHumidity, {Code: SensorCO2, Size: 2}},
	10: {layoutTemp, layoutHumidity,
		{Code: SensorCO2, Size: 2},
		{Code: SensorPM25, Size: 2},
		{Code: SensorPM10, Size: 2},
		{Code: SensorTVOC, Size: 2},
		{Code: SensorNoise, Size: 2},
		{Code: SensorLight, Size: 4},
	},
}

// JSON payload keys.
var jsonKeys = map[string]SensorCode{
	"temperature": SensorTemperature,
	"humidity":    SensorHumidity,
	"co2":         SensorCO2,
	"pm25":        SensorPM25,
	"pm10":        SensorPM10,
	"tvoc":        SensorTVOC,
	"tvoc_index":  SensorETVOC,
	"noise":       SensorNoise,
	"battery":     SensorBattery,
	"pressure":    SensorPressure,
	"light":       SensorLight,
}
