package mqtt

import (
	"strings"
	"testing"

	"github.com/256dpi/gomqtt/packet"
	"github.com/stretchr/testify/assert"
)

func TestPacketString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  packet.Generic
		expect string
	}{
		{"nil", nil, "(nil)"},
		{"json", &packet.Publish{ID: 1, Message: packet.Message{Topic: "qingping/582D3470AB12/up", Payload: []byte(`{"type":"12"}`)}},
			`Payload="{\"type\":\"12\"}"`},
		{"tlv", &packet.Publish{Message: packet.Message{Topic: "qingping/582D3470AB12/up", Payload: []byte("CG\x41")}},
			"Payload=434741"},
		{"long", &packet.Publish{Message: packet.Message{Payload: make([]byte, payloadLogLimit+1)}},
			"...(257 bytes)"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			s := PacketString(c.input)
			assert.True(t, strings.Contains(s, c.expect), s)
		})
	}
}
