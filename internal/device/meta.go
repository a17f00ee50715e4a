package device

import "fmt"

type BatteryState uint8

const (
	BatteryDischarging BatteryState = iota
	BatteryCharging
	BatteryFull
)

// BatteryStateFromStatus maps JSON battery.status.
func BatteryStateFromStatus(status int) BatteryState {
	switch status {
	case 1:
		return BatteryCharging
	case 2:
		return BatteryFull
	}
	return BatteryDischarging
}

func (b BatteryState) String() string {
	switch b {
	case BatteryCharging:
		return "charging"
	case BatteryFull:
		return "full"
	}
	return "discharging"
}

func (b BatteryState) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

// Metadata carries non-reading fields of one message.
// Zero value fields (nil pointer, empty string) mean "not reported"
// and never overwrite known values on Merge.
type Metadata struct {
	MAC          MAC           `json:"mac,omitempty"`
	Firmware     string        `json:"firmware,omitempty"`
	ModelVersion string        `json:"model_version,omitempty"`
	MCUVersion   string        `json:"mcu_version,omitempty"`
	Report       ReportType    `json:"report,omitempty"`
	Battery      *int          `json:"battery,omitempty"`
	BatteryState *BatteryState `json:"battery_state,omitempty"`
	RSSI         *int          `json:"rssi,omitempty"`
	Signal       *int          `json:"signal,omitempty"`
	USBPlugged   *bool         `json:"usb_plugged,omitempty"`
	PMModule     *bool         `json:"pm_module,omitempty"`
	PMSerial     string        `json:"pm_serial,omitempty"`
	ProductID    *int          `json:"product_id,omitempty"`
	DeviceStatus *int          `json:"device_status,omitempty"`
	// Settings as echoed by device, source of acknowledged config.
	Reported Reported `json:"reported"`
}

// Reported is device side view of its configuration.
type Reported struct {
	Interval *int           `json:"interval,omitempty"` // seconds
	Realtime *bool          `json:"realtime,omitempty"`
	Options  map[string]int `json:"options,omitempty"`
}

func (r *Reported) Empty() bool {
	return r.Interval == nil && r.Realtime == nil && len(r.Options) == 0
}

func (r *Reported) Merge(n Reported) {
	if n.Interval != nil {
		r.Interval = IntPtr(*n.Interval)
	}
	if n.Realtime != nil {
		r.Realtime = BoolPtr(*n.Realtime)
	}
	if len(n.Options) != 0 {
		if r.Options == nil {
			r.Options = make(map[string]int, len(n.Options))
		}
		for k, v := range n.Options {
			r.Options[k] = v
		}
	}
}

// ReportedFromConfig is what device is expected to report after applying c.
func ReportedFromConfig(c Config) Reported {
	r := Reported{Interval: IntPtr(c.Interval), Realtime: BoolPtr(c.Realtime)}
	r.Merge(Reported{Options: c.Options})
	return r
}

func (r Reported) Clone() Reported {
	c := Reported{}
	c.Merge(r)
	return c
}

func (m *Metadata) Merge(n *Metadata) {
	if n == nil {
		return
	}
	if n.MAC != "" {
		m.MAC = n.MAC
	}
	mergeString(&m.Firmware, n.Firmware)
	mergeString(&m.ModelVersion, n.ModelVersion)
	mergeString(&m.MCUVersion, n.MCUVersion)
	mergeString(&m.PMSerial, n.PMSerial)
	if n.Report != ReportUnknown {
		m.Report = n.Report
	}
	mergeInt(&m.Battery, n.Battery)
	mergeInt(&m.RSSI, n.RSSI)
	mergeInt(&m.Signal, n.Signal)
	mergeInt(&m.ProductID, n.ProductID)
	mergeInt(&m.DeviceStatus, n.DeviceStatus)
	mergeBool(&m.USBPlugged, n.USBPlugged)
	mergeBool(&m.PMModule, n.PMModule)
	if n.BatteryState != nil {
		x := *n.BatteryState
		m.BatteryState = &x
	}
	m.Reported.Merge(n.Reported)
}

// Clone deep copy, pointers are not shared.
func (m *Metadata) Clone() Metadata {
	c := Metadata{}
	c.Merge(m)
	return c
}

func (m *Metadata) String() string {
	return fmt.Sprintf("mac=%s firmware=%s report=%s", m.MAC, m.Firmware, m.Report)
}

func IntPtr(x int) *int    { return &x }
func BoolPtr(x bool) *bool { return &x }

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func mergeInt(dst **int, src *int) {
	if src != nil {
		*dst = IntPtr(*src)
	}
}

func mergeBool(dst **bool, src *bool) {
	if src != nil {
		*dst = BoolPtr(*src)
	}
}
