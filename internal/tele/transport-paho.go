package tele

import (
	"context"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/zlobober/qingping-cgs1/helpers"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/log2"
)

type transportPaho struct {
	log       *log2.Log
	config    Config
	alive     *alive.Alive
	m         paho.Client
	onMessage MessageFunc
	topicUp   string
}

func (t *transportPaho) Start(ctx context.Context, onMessage MessageFunc) error {
	tlsconf, err := t.config.TLSConfig()
	if err != nil {
		return err
	}
	// paho loggers are package globals
	paho.ERROR = t.log
	paho.CRITICAL = t.log
	paho.WARN = t.log
	if t.config.LogDebug {
		paho.DEBUG = t.log
	}

	t.onMessage = onMessage
	t.topicUp = device.UpWildcard(t.config.Prefix())
	opts := paho.NewClientOptions().
		AddBroker(t.config.Broker).
		SetClientID(t.config.ClientID).
		SetUsername(t.config.Username).
		SetPassword(t.config.Password).
		SetCleanSession(true).
		SetKeepAlive(t.config.Keepalive()).
		SetPingTimeout(t.config.NetworkTimeout()).
		SetConnectTimeout(t.config.NetworkTimeout()).
		SetWriteTimeout(t.config.NetworkTimeout()).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetDefaultPublishHandler(t.messageHandler).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost)
	if tlsconf != nil {
		opts.SetTLSConfig(tlsconf)
	}
	t.m = paho.NewClient(opts)
	t.alive = alive.NewAlive()
	t.alive.Add(1)
	go t.connectLoop()
	return nil
}

// paho reconnects only after first successful connect
func (t *transportPaho) connectLoop() {
	defer t.alive.Done()
	backoff := helpers.Backoff{Min: time.Second, Max: time.Minute}
	stopch := t.alive.StopChan()
	for t.alive.IsRunning() {
		tok := t.m.Connect()
		tok.Wait()
		if tok.Error() == nil {
			return
		}
		delay := backoff.Failed()
		t.log.Errorf("tele paho connect broker=%s err=%v retry=%v", t.config.Broker, tok.Error(), delay)
		if !helpers.SleepStop(stopch, delay) {
			return
		}
	}
}

func (t *transportPaho) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.m == nil {
		return errors.Errorf("code error tele Publish before Start")
	}
	if !t.m.IsConnected() {
		return errors.Errorf("tele paho not connected")
	}
	timeout := t.config.NetworkTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	tok := t.m.Publish(topic, byte(t.config.QOS), false, payload)
	if !tok.WaitTimeout(timeout) {
		return errors.Timeoutf("tele paho publish topic=%s", topic)
	}
	return errors.Annotatef(tok.Error(), "tele paho publish topic=%s", topic)
}

func (t *transportPaho) Close() error {
	if t.m == nil {
		return nil
	}
	t.alive.Stop()
	if t.m.IsConnected() {
		if tok := t.m.Unsubscribe(t.topicUp); !tok.WaitTimeout(t.config.NetworkTimeout()) || tok.Error() != nil {
			t.log.Errorf("tele paho unsubscribe err=%v", tok.Error())
		}
	}
	t.m.Disconnect(250)
	t.alive.Wait()
	return nil
}

func (t *transportPaho) messageHandler(c paho.Client, msg paho.Message) {
	t.onMessage(msg.Topic(), msg.Payload())
}

func (t *transportPaho) onConnectionLost(c paho.Client, err error) {
	t.log.Errorf("tele paho connection lost err=%v", err)
}

// clean session, so subscribe again on every connect
func (t *transportPaho) onConnect(c paho.Client) {
	t.log.Infof("tele paho connected broker=%s", t.config.Broker)
	tok := c.Subscribe(t.topicUp, byte(t.config.QOS), nil)
	if tok.Wait() && tok.Error() != nil {
		t.log.Errorf("tele paho subscribe topic=%s err=%v", t.topicUp, tok.Error())
		return
	}
	t.log.Infof("tele subscribed topic=%s", t.topicUp)
}
