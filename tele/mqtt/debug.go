package mqtt

import (
	"bytes"
	"fmt"

	"github.com/256dpi/gomqtt/packet"
)

// debug log should not flood on history uploads
const payloadLogLimit = 256

// PacketString renders PUBLISH payload readable: JSON as text, binary as hex.
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, messageString(&pub.Message))
	}
	return p.String()
}

func messageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%s", m.Topic, m.QOS, m.Retain, payloadString(m.Payload))
}

func payloadString(b []byte) string {
	suffix := ""
	if len(b) > payloadLogLimit {
		suffix = fmt.Sprintf("...(%d bytes)", len(b))
		b = b[:payloadLogLimit]
	}
	if t := bytes.TrimSpace(b); len(t) != 0 && t[0] == '{' {
		return fmt.Sprintf("%q%s", b, suffix)
	}
	return fmt.Sprintf("%x%s", b, suffix)
}
