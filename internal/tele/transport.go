// Package tele moves bytes between devices and the bridge over MQTT.
package tele

import (
	"context"

	"github.com/zlobober/qingping-cgs1/log2"
)

// Transport contract:
// - Start fails only with invalid config, broker may be unreachable for a long time
// - inbound messages from `<prefix>/+/up` go to MessageFunc in arrival order per connection
// - Publish delivers within ctx or fails, success includes broker ack for QOS 1
// - Close stops all background work and returns after it is done
type Transport interface {
	Start(ctx context.Context, onMessage MessageFunc) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type MessageFunc func(topic string, payload []byte)

// Publisher is the send half of Transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// NewTransport selects implementation by config.Transport, gomqtt by default.
func NewTransport(log *log2.Log, config Config) (Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	mlog := log.Clone(log2.LInfo)
	if config.LogDebug {
		mlog.SetLevel(log2.LDebug)
	}
	switch config.Transport {
	case TransportPaho:
		return &transportPaho{log: mlog, config: config}, nil
	default:
		return &transportGomqtt{log: mlog, config: config}, nil
	}
}
