package decode

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlobober/qingping-cgs1/internal/convert"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/log2"
	"github.com/zlobober/qingping-cgs1/tlv"
)

func realtimeFrame(t testing.TB) string {
	v := make([]byte, 4+6+1)
	binary.LittleEndian.PutUint32(v, 1700000000)
	th := uint32(215+500)<<12 | 450
	v[4], v[5], v[6] = byte(th), byte(th>>8), byte(th>>16)
	binary.LittleEndian.PutUint16(v[7:], 10130)
	v[9] = 90
	v[10] = 0xc4
	f := tlv.Frame{Command: 0x41, Entries: tlv.Entries{{Tag: 0x14, Value: v}}}
	b, err := f.Bytes()
	require.NoError(t, err)
	return hex.EncodeToString(b)
}

func TestSession(t *testing.T) {
	t.Parallel()
	s := &session{
		log:   log2.NewTest(t, log2.LDebug),
		topic: defaultTopic,
		units: convert.DefaultUnits(),
		now:   func() time.Time { return time.Unix(1700000000, 0) },
	}

	cases := []struct {
		name      string
		line      string
		expect    []string
		expectErr string
	}{
		{"empty", "  ", nil, ""},
		{"model", "model cgp22c", []string{"model=CGP22C"}, ""},
		{"model-unknown", "model CGS9", nil, "CGS9"},
		{"model-usage", "model", nil, "usage"},
		{"topic", "topic home/58:2D:34:70:AB:12/up", []string{"topic=home/"}, ""},
		{"tlv", realtimeFrame(t), []string{"mac=582D3470AB12", "format=tlv", "command=41", "temperature 21.5 °C", "humidity 45 %"}, ""},
		{"imperial", "imperial", []string{"units=imperial"}, ""},
		{"json", `{"type":"12","sensorData":[{"temperature":{"value":20},"pm10":{"value":99999}}]}`,
			[]string{"format=json", "temperature 68 °F", "pm10 unavailable"}, ""},
		{"hex", "zz", nil, "hex"},
		{"unsupported", "0102", nil, "unsupported"},
	}
	// session state carries between cases
	for _, c := range cases {
		out, err := s.handle(c.line)
		if c.expectErr != "" {
			require.Error(t, err, c.name)
			assert.Contains(t, err.Error(), c.expectErr, c.name)
			continue
		}
		require.NoError(t, err, c.name)
		for _, e := range c.expect {
			assert.Contains(t, out, e, c.name)
		}
	}
	assert.Equal(t, device.ModelCGP22C, s.hint)
}
