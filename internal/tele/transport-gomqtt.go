package tele

import (
	"context"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/log2"
	"github.com/zlobober/qingping-cgs1/tele/mqtt"
)

type transportGomqtt struct {
	log    *log2.Log
	config Config
	c      *mqtt.Client
}

func (t *transportGomqtt) Start(ctx context.Context, onMessage MessageFunc) error {
	tlsconf, err := t.config.TLSConfig()
	if err != nil {
		return err
	}
	prefix := t.config.Prefix()
	c, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      t.config.Broker,
		TLS:            tlsconf,
		NetworkTimeout: t.config.NetworkTimeout(),
		KeepaliveSec:   uint16(t.config.Keepalive().Seconds()),
		ClientID:       t.config.ClientID,
		Username:       t.config.Username,
		Password:       t.config.Password,
		Subscriptions:  []string{device.UpWildcard(prefix)},
		QOS:            packet.QOS(t.config.QOS),
		OnMessage:      mqtt.MessageFunc(onMessage),
		OnReady: func() {
			t.log.Infof("tele subscribed topic=%s", device.UpWildcard(prefix))
		},
		Log: t.log,
	})
	if err != nil {
		return errors.Annotate(err, "tele gomqtt")
	}
	t.c = c
	return nil
}

func (t *transportGomqtt) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.c == nil {
		return errors.Errorf("code error tele Publish before Start")
	}
	return t.c.Publish(ctx, topic, payload)
}

func (t *transportGomqtt) Close() error {
	if t.c == nil {
		return nil
	}
	return t.c.Close()
}
