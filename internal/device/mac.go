package device

import (
	"strings"

	"github.com/juju/errors"
)

const MACLen = 12

// MAC is normalized hardware address: 12 upper-case hex digits, no separators.
type MAC string

func NormalizeMAC(s string) (MAC, error) {
	var b strings.Builder
	b.Grow(MACLen)
	for _, r := range s {
		switch {
		case r == ':' || r == '-' || r == '.' || r == ' ':
			continue
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 'a' + 'A')
		default:
			return "", errors.NotValidf("mac=%q", s)
		}
	}
	if b.Len() != MACLen {
		return "", errors.NotValidf("mac=%q length", s)
	}
	return MAC(b.String()), nil
}

func MustMAC(s string) MAC {
	m, err := NormalizeMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MACFromTopic takes second to last segment: qingping/<MAC>/up
func MACFromTopic(topic string) (MAC, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return "", errors.NotValidf("topic=%q", topic)
	}
	return NormalizeMAC(parts[len(parts)-2])
}

func (m MAC) String() string { return string(m) }

// Colon returns AA:BB:CC:DD:EE:FF form for display.
func (m MAC) Colon() string {
	if len(m) != MACLen {
		return string(m)
	}
	var b strings.Builder
	for i := 0; i < MACLen; i += 2 {
		if i != 0 {
			b.WriteByte(':')
		}
		b.WriteString(string(m[i : i+2]))
	}
	return b.String()
}

const DefaultTopicPrefix = "qingping"

// UpWildcard subscribes to all devices: <prefix>/+/up
func UpWildcard(prefix string) string { return prefix + "/+/up" }

func UpTopic(prefix string, mac MAC) string   { return prefix + "/" + string(mac) + "/up" }
func DownTopic(prefix string, mac MAC) string { return prefix + "/" + string(mac) + "/down" }
