// Package mqtt is the bridge side MQTT 3.1.1 client over gomqtt transport.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/zlobober/qingping-cgs1/helpers/atomic_clock"
	"github.com/zlobober/qingping-cgs1/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultReconnectDelay = 3 * time.Second
)

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

// MessageFunc receives every inbound PUBLISH. Payload is owned by callee.
type MessageFunc func(topic string, payload []byte)

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	// topic filters subscribed after every connect
	Subscriptions []string
	QOS           packet.QOS
	OnMessage     MessageFunc
	// called after CONNACK and SUBACK on every (re)connect
	OnReady func()
	Log     *log2.Log

	conpkt *packet.Connect
	dialer *transport.Dialer
}

// Client keeps one connection to broker.
// - NewClient returns only configuration errors, network IO is done in background
// - clean session, subscriptions are repeated after every reconnect
// - unlimited reconnect attempts until Close
// - QOS 0,1; Publish calls are serialized, one PUBACK in flight
// - Publish while offline waits for connection within ctx
type Client struct {
	sync.Mutex

	alive   *alive.Alive
	current *conn
	lastID  uint32
	opt     ClientOptions

	pub struct {
		sync.Mutex
		fu *future.Future
		id packet.ID
	}
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if opt.QOS >= packet.QOSExactlyOnce {
		return nil, errors.NotSupportedf("mqtt QOS=%d", opt.QOS)
	}
	if opt.NetworkTimeout <= 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay <= 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	u, err := url.ParseRequestURI(opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error mqtt broker=%s", opt.BrokerURL)
	}
	if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	_ = c.conn(true)
	go c.worker()
	return c, nil
}

// Close sends DISCONNECT if connected and stops reconnecting.
func (c *Client) Close() error {
	err := client.ErrClientNotConnected
	if cc := c.conn(false); cc != nil {
		err = cc.send(packet.NewDisconnect())
		err = cc.die(err)
	}
	c.alive.Stop()
	c.alive.Wait()
	if err == ErrClientClosing {
		err = nil
	}
	return err
}

// Publish returns after PUBACK for QOS 1 or after send for QOS 0.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	f, err := c.publishBegin(ctx, topic, payload)
	if err != nil {
		return err
	}
	switch err = f.Wait(c.opt.NetworkTimeout); err {
	case nil:
		return nil

	case future.ErrCanceled:
		if e, ok := f.Result().(error); ok {
			return e
		}
		return ErrClientClosing

	case future.ErrTimeout:
		err = errors.Timeoutf("PUBACK topic=%s", topic)
		f.Cancel(err)
		return c.drop(err)

	default:
		return errors.Errorf("code error future.Wait()=%v", err)
	}
}

// WaitReady returns, in this order:
// - ErrClientClosing if client stopped with Close
// - nil if connected and subscribed within ctx
// - context.Canceled if ctx is done before that
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.conn(false)
		if cc == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-donech:
				return context.Canceled
			case <-stopch:
				return ErrClientClosing
			}
		}
		switch cc.waitReady(ctx) {
		case nil:
			return nil
		case context.Canceled:
			return context.Canceled
		case ErrClientClosing:
			// connection lost, wait for next one
		}
	}
}

func (c *Client) conn(create bool) *conn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		var sub *packet.Subscribe
		if len(c.opt.Subscriptions) != 0 {
			sub = &packet.Subscribe{ID: c.nextID()}
			for _, s := range c.opt.Subscriptions {
				sub.Subscriptions = append(sub.Subscriptions, packet.Subscription{Topic: s, QOS: c.opt.QOS})
			}
		}
		c.current = newConn(c.opt, sub, c.onPacket)
	}
	return c.current
}

func (c *Client) drop(err error) error {
	if cc := c.conn(false); cc != nil {
		_ = cc.die(err)
		cc.alive.Wait()
	}
	return err
}

func (c *Client) publishBegin(ctx context.Context, topic string, payload []byte) (*future.Future, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}
	c.pub.Lock()
	defer c.pub.Unlock()
	if prev := c.pub.fu; prev != nil {
		if err := prev.Wait(c.opt.NetworkTimeout); err == future.ErrTimeout {
			return nil, errors.Timeoutf("previous PUBACK")
		}
	}

	p := packet.NewPublish()
	p.Message = packet.Message{Topic: topic, Payload: payload, QOS: c.opt.QOS}
	if c.opt.QOS == packet.QOSAtLeastOnce {
		p.ID = c.nextID()
	}
	fu := future.New()
	c.pub.fu, c.pub.id = fu, p.ID
	if err := c.send(p); err != nil {
		fu.Cancel(err)
		return nil, errors.Annotate(err, "send PUBLISH")
	}
	if c.opt.QOS == packet.QOSAtMostOnce {
		fu.Complete(nil)
	}
	return fu, nil
}

func (c *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

func (c *Client) onPacket(cc *conn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(cc, pt)
	case *packet.Puback:
		c.onPuback(pt.ID)
	default:
		c.opt.Log.Debugf("mqtt unexpected packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(cc *conn, p *packet.Publish) {
	switch p.Message.QOS {
	case packet.QOSAtMostOnce:
		c.opt.OnMessage(p.Message.Topic, p.Message.Payload)
	case packet.QOSAtLeastOnce:
		c.opt.OnMessage(p.Message.Topic, p.Message.Payload)
		puback := packet.NewPuback()
		puback.ID = p.ID
		_ = cc.send(puback)
	default:
		_ = cc.die(errors.NotSupportedf("inbound QOS=%d topic=%s", p.Message.QOS, p.Message.Topic))
	}
}

func (c *Client) onPuback(id packet.ID) {
	c.pub.Lock()
	defer c.pub.Unlock()
	if c.pub.fu == nil {
		c.opt.Log.Errorf("mqtt unexpected PUBACK id=%d", id)
		return
	}
	if c.pub.id != id {
		// one publish in flight, so foreign id means broken session
		go c.drop(errors.Errorf("PUBACK id=%d expected=%d", id, c.pub.id))
		return
	}
	c.pub.fu.Complete(nil)
}

func (c *Client) send(p packet.Generic) error {
	if cc := c.conn(true); cc != nil {
		return cc.send(p)
	}
	return ErrClientClosing
}

func (c *Client) worker() {
	stopch := c.alive.StopChan()
	for {
		cc := c.conn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():
		case <-stopch:
			_ = cc.die(ErrClientClosing)
			return
		}

		c.opt.Log.Debugf("mqtt reconnect delay=%v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):
		case <-stopch:
			return
		}
	}
}

// conn is single broker connection: CONNECT, SUBSCRIBE, pings, reader.
// State is set once at creation, except transport.Conn which requires blocking Dial.
type conn struct {
	alive    *alive.Alive
	closed   uint32
	confu    *future.Future
	tc       atomic.Value // transport.Conn
	opt      ClientOptions
	onpacket func(*conn, packet.Generic)
	pingat   *atomic_clock.Clock // last outgoing packet
	pongat   *atomic_clock.Clock // last incoming PINGRESP
	subfu    *future.Future
	sub      *packet.Subscribe
}

func newConn(opt ClientOptions, sub *packet.Subscribe, onpacket func(*conn, packet.Generic)) *conn {
	cc := &conn{
		alive:    alive.NewAlive(),
		confu:    future.New(),
		opt:      opt,
		onpacket: onpacket,
		pingat:   atomic_clock.New(),
		pongat:   atomic_clock.New(),
		subfu:    future.New(),
		sub:      sub,
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *conn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.opt.Log.Debugf("mqtt connection closed err=%v", e)
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if tc := cc.transport(); tc != nil {
		_ = tc.Close()
	}
	return e
}

func (cc *conn) transport() transport.Conn {
	if x := cc.tc.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, send CONNECT, wait CONNACK, start pinger, reader, subscriber
func (cc *conn) connect() {
	defer cc.alive.Done()

	tc, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "mqtt dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.tc.Store(tc)
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	tc.SetReadTimeout(cc.opt.NetworkTimeout)
	pkt, err := tc.Receive()
	if err != nil {
		_ = cc.die(errors.Annotate(err, "mqtt expect CONNACK"))
		return
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		_ = cc.die(errors.Annotatef(client.ErrClientExpectedConnack, "mqtt received=%s", PacketString(pkt)))
		return
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		_ = cc.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
		return
	}
	cc.opt.Log.Infof("mqtt connected broker=%s", cc.opt.BrokerURL)
	cc.confu.Complete(true)
	tc.SetReadTimeout(0)

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

func (cc *conn) onSuback(suback *packet.Suback) {
	if cc.sub == nil || suback.ID != cc.sub.ID {
		_ = cc.die(errors.Annotatef(client.ErrFailedSubscription, "SUBACK id=%d unexpected", suback.ID))
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = cc.die(client.ErrFailedSubscription)
			return
		}
	}
	cc.subfu.Complete(true)
}

// PINGREQ is sent only if keepalive minus network timeout passed since last sent packet.
func (cc *conn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] control packets must arrive at most keepalive*1.5 apart
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(cc.pingat)
		if now.Sub(cc.pongat) > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
		if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
			window = 0
		}
		select {
		case <-time.After(interval - window):
		case <-stopch:
			return
		}
	}
}

func (cc *conn) reader() {
	defer cc.alive.Done()
	tc := cc.transport()
	for {
		pkt, err := tc.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil:
		case io.EOF:
			_ = cc.die(errors.Errorf("mqtt server closed connection"))
			return
		default:
			_ = cc.die(errors.Annotate(err, "mqtt receive"))
			return
		}
		cc.opt.Log.Debugf("mqtt received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("mqtt server error duplicate CONNACK"))
			return
		case *packet.Pingresp:
			cc.pongat.SetNow()
		case *packet.Suback:
			cc.onSuback(pt)
		default:
			cc.onpacket(cc, pkt)
		}
	}
}

func (cc *conn) send(p packet.Generic) error {
	tc := cc.transport()
	if tc == nil {
		return client.ErrClientNotConnected
	}
	if err := tc.Send(p, false); err != nil {
		return cc.die(errors.Annotatef(err, "mqtt send %s", p.Type().String()))
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("mqtt sent %s", PacketString(p))
	return nil
}

func (cc *conn) subscriber() {
	defer cc.alive.Done()
	if cc.sub != nil {
		if err := cc.send(cc.sub); err != nil {
			return
		}
		if cc.subfu.Wait(cc.opt.NetworkTimeout) == future.ErrTimeout {
			_ = cc.die(errors.Timeoutf("mqtt subscribe"))
			return
		}
	} else {
		cc.subfu.Complete(true)
	}
	if cc.opt.OnReady != nil && cc.alive.IsRunning() {
		cc.opt.OnReady()
	}
}

// waitReady returns, in this order:
// - ErrClientClosing if connection is in final state
// - nil if connected and subscribed within ctx
// - context.Canceled if ctx is done before that
func (cc *conn) waitReady(ctx context.Context) error {
	if cc == nil {
		return ErrClientClosing
	}
	pollInterval := 200 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := time.Until(deadline); timeout <= 0 {
			pollInterval = 1
		} else if timeout < pollInterval {
			pollInterval = timeout
		}
	}

	donech := ctx.Done()
	for {
		if !cc.alive.IsRunning() {
			return ErrClientClosing
		}
		_ = cc.confu.Wait(pollInterval)
		_ = cc.subfu.Wait(pollInterval)
		connected, _ := cc.confu.Result().(bool)
		subscribed, _ := cc.subfu.Result().(bool)
		if connected && subscribed {
			return nil
		}
		select {
		case <-donech:
			return context.Canceled
		default:
		}
	}
}
