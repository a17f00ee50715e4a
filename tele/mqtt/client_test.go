package mqtt

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlobober/qingping-cgs1/log2"
)

func TestClient(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second
	const upTopic = "qingping/582D3470AB12/up"
	const downTopic = "qingping/582D3470AB12/down"

	type tenv struct {
		opts     ClientOptions
		received chan string
	}
	cases := []struct {
		name   string
		accept bool
		client func(t testing.TB, env *tenv, c *Client)
		server func(t testing.TB, env *tenv, b *transport.NetConn)
	}{
		{"connect", true, func(t testing.TB, env *tenv, c *Client) {}, func(t testing.TB, env *tenv, b *transport.NetConn) {}},
		{"denied", false, func(t testing.TB, env *tenv, c *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			assert.Equal(t, context.Canceled, c.WaitReady(ctx))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {}},
		{"inbound-qos1", true, func(t testing.TB, env *tenv, c *Client) {
			select {
			case s := <-env.received:
				assert.Equal(t, upTopic+" 4347", s)
			case <-time.After(timeout):
				t.Error("message not delivered")
			}
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			p := packet.NewPublish()
			p.ID = 7
			p.Message = packet.Message{Topic: upTopic, Payload: []byte("CG"), QOS: packet.QOSAtLeastOnce}
			if !assert.NoError(t, b.Send(p, false)) {
				return
			}
			pkt, err := b.Receive()
			if assert.NoError(t, err) && assert.IsType(t, &packet.Puback{}, pkt) {
				assert.Equal(t, packet.ID(7), pkt.(*packet.Puback).ID)
			}
		}},
		{"publish-qos1", true, func(t testing.TB, env *tenv, c *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			assert.NoError(t, c.Publish(ctx, downTopic, []byte(`{"type":"29"}`)))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			pkt, err := b.Receive()
			if !assert.NoError(t, err) || !assert.IsType(t, &packet.Publish{}, pkt) {
				return
			}
			p := pkt.(*packet.Publish)
			assert.Equal(t, downTopic, p.Message.Topic)
			assert.Equal(t, `{"type":"29"}`, string(p.Message.Payload))
			assert.Equal(t, packet.QOSAtLeastOnce, p.Message.QOS)
			puback := packet.NewPuback()
			puback.ID = p.ID
			assert.NoError(t, b.Send(puback, false))
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{received: make(chan string, 1)}
			ln, err := net.Listen("tcp", "127.0.0.1:")
			require.NoError(t, err)
			defer ln.Close()
			env.opts = ClientOptions{
				BrokerURL:      fmt.Sprintf("tcp://%s", ln.Addr().String()),
				ClientID:       "bridge-test",
				NetworkTimeout: timeout,
				ReconnectDelay: timeout,
				Subscriptions:  []string{"qingping/+/up"},
				QOS:            packet.QOSAtLeastOnce,
				OnMessage: func(topic string, payload []byte) {
					env.received <- fmt.Sprintf("%s %x", topic, payload)
				},
				Log: log2.NewStderr(log2.LDebug),
			}

			donech := make(chan struct{})
			go func() {
				defer close(donech)
				conn, err := ln.Accept()
				if !assert.NoError(t, err) {
					return
				}
				_ = conn.SetDeadline(time.Now().Add(timeout))
				b := transport.NewNetConn(conn)
				defer b.Close()
				if serverHandshake(t, b, c.accept) {
					c.server(t, env, b)
				}
				// drain until client closes connection
				for {
					if _, err := b.Receive(); err != nil {
						return
					}
				}
			}()

			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			if c.accept {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				require.NoError(t, mc.WaitReady(ctx))
				cancel()
			}
			c.client(t, env, mc)
			_ = mc.Close()
			select {
			case <-donech:
			case <-time.After(2 * timeout):
				t.Fatal("server did not finish")
			}
		})
	}
}

func serverHandshake(t testing.TB, b *transport.NetConn, accept bool) bool {
	pkt, err := b.Receive()
	if !assert.NoError(t, err) || !assert.IsType(t, &packet.Connect{}, pkt) {
		return false
	}
	connect := pkt.(*packet.Connect)
	assert.Equal(t, "bridge-test", connect.ClientID)
	assert.True(t, connect.CleanSession)

	connack := packet.NewConnack()
	connack.ReturnCode = packet.ConnectionAccepted
	if !accept {
		connack.ReturnCode = packet.NotAuthorized
	}
	if !assert.NoError(t, b.Send(connack, false)) || !accept {
		return false
	}

	pkt, err = b.Receive()
	if !assert.NoError(t, err) || !assert.IsType(t, &packet.Subscribe{}, pkt) {
		return false
	}
	sub := pkt.(*packet.Subscribe)
	if assert.Len(t, sub.Subscriptions, 1) {
		assert.Equal(t, "qingping/+/up", sub.Subscriptions[0].Topic)
	}
	suback := packet.NewSuback()
	suback.ID = sub.ID
	suback.ReturnCodes = []packet.QOS{packet.QOSAtLeastOnce}
	return assert.NoError(t, b.Send(suback, false))
}

func TestNewClientConfig(t *testing.T) {
	t.Parallel()
	onMessage := func(string, []byte) {}
	cases := []struct {
		name string
		opt  ClientOptions
	}{
		{"no-callback", ClientOptions{BrokerURL: "tcp://localhost:1883"}},
		{"bad-url", ClientOptions{BrokerURL: "localhost", OnMessage: onMessage}},
		{"qos2", ClientOptions{BrokerURL: "tcp://localhost:1883", OnMessage: onMessage, QOS: packet.QOSExactlyOnce}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := NewClient(c.opt)
			assert.Error(t, err)
		})
	}
}
