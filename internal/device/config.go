package device

import (
	"fmt"
	"sort"
	"strings"
)

// Config is desired device configuration.
type Config struct {
	Interval int            `json:"interval"` // report interval, seconds
	Realtime bool           `json:"realtime"`
	Options  map[string]int `json:"options,omitempty"`
}

func (c Config) Clone() Config {
	r := Config{Interval: c.Interval, Realtime: c.Realtime}
	if len(c.Options) != 0 {
		r.Options = make(map[string]int, len(c.Options))
		for k, v := range c.Options {
			r.Options[k] = v
		}
	}
	return r
}

func (c Config) Equal(c2 Config) bool {
	if c.Interval != c2.Interval || c.Realtime != c2.Realtime || len(c.Options) != len(c2.Options) {
		return false
	}
	for k, v := range c.Options {
		if v2, ok := c2.Options[k]; !ok || v2 != v {
			return false
		}
	}
	return true
}

func (c Config) String() string {
	keys := make([]string, 0, len(c.Options))
	for k := range c.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ss := make([]string, 0, len(keys))
	for _, k := range keys {
		ss = append(ss, fmt.Sprintf("%s=%d", k, c.Options[k]))
	}
	return fmt.Sprintf("interval=%d realtime=%t options=[%s]", c.Interval, c.Realtime, strings.Join(ss, " "))
}

type Liveness uint8

const (
	LivenessUnknown Liveness = iota
	LivenessOnline
	LivenessOffline
)

func (l Liveness) String() string {
	switch l {
	case LivenessOnline:
		return "online"
	case LivenessOffline:
		return "offline"
	}
	return "unknown"
}

func (l Liveness) MarshalText() ([]byte, error) { return []byte(l.String()), nil }
