// Package reconcile drives device settings toward desired config.
// Publishing for a device stops once acknowledged equals desired.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/zlobober/qingping-cgs1/helpers"
	"github.com/zlobober/qingping-cgs1/helpers/atomic_clock"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/store"
	"github.com/zlobober/qingping-cgs1/log2"
)

var ErrConfigPublish = fmt.Errorf("config publish failed")

const (
	DefaultPeriod     = 60 * time.Second
	DefaultRetry      = 3
	DefaultRetryDelay = 5 * time.Second
	DefaultTimeout    = 30 * time.Second
	nudgeBuffer       = 64
)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Config struct {
	Period      time.Duration
	Retry       int
	RetryDelay  time.Duration
	Timeout     time.Duration // one publish attempt
	TopicPrefix string
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.Retry <= 0 {
		c.Retry = DefaultRetry
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = device.DefaultTopicPrefix
	}
	return c
}

type Reconciler struct {
	log     *log2.Log
	store   *store.Store
	pub     Publisher
	config  Config
	nudgech chan device.MAC
	now     func() time.Time

	mu   sync.Mutex
	last map[device.MAC]*atomic_clock.Clock
}

func New(log *log2.Log, st *store.Store, pub Publisher, config Config) *Reconciler {
	return &Reconciler{
		log:     log,
		store:   st,
		pub:     pub,
		config:  config.withDefaults(),
		nudgech: make(chan device.MAC, nudgeBuffer),
		now:     time.Now,
		last:    make(map[device.MAC]*atomic_clock.Clock),
	}
}

// NeedsPublish is true for online registered device with desired config
// not yet acknowledged.
func NeedsPublish(d *store.Device) bool {
	return d.Registered && d.Desired != nil &&
		d.Liveness == device.LivenessOnline && !d.Converged()
}

// Cycle makes one pass over all devices.
// Per device failures are logged and folded into result, pass continues.
func (r *Reconciler) Cycle(ctx context.Context) error {
	var errs []error
	for _, mac := range r.store.MACs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Reconcile(ctx, mac); err != nil {
			r.log.Error(err)
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

// Reconcile publishes desired config to one device when needed.
func (r *Reconciler) Reconcile(ctx context.Context, mac device.MAC) (bool, error) {
	d, err := r.store.Get(mac)
	if err != nil {
		return false, err
	}
	if !NeedsPublish(&d) {
		return false, nil
	}
	spec := d.Spec()
	c := spec.Normalize(*d.Desired)
	payload, err := ConfigPayload(spec, c)
	if err != nil {
		return false, errors.Annotatef(err, "device=%s", mac)
	}
	topic := device.DownTopic(r.config.TopicPrefix, mac)
	if err = r.publish(ctx, topic, payload); err != nil {
		return false, errors.Wrapf(err, ErrConfigPublish, "device=%s err=%v", mac, err)
	}
	if spec.Format == device.FormatTLV {
		// binary models echo settings only on request
		if req, err := RequestSettingsPayload(spec); err == nil {
			if err := r.publishOnce(ctx, topic, req); err != nil {
				r.log.Errorf("reconcile device=%s request settings err=%v", mac, err)
			}
		}
	}
	now := r.now()
	if err = r.store.MarkPublished(mac, c, now); err != nil {
		return true, err
	}
	r.clock(mac).SetTime(now)
	r.log.Infof("reconcile device=%s published %s", mac, c.String())
	return true, nil
}

// Nudge schedules immediate reconcile of one device, never blocks.
// Dropped nudge is covered by next cycle.
func (r *Reconciler) Nudge(mac device.MAC) {
	select {
	case r.nudgech <- mac:
	default:
		r.log.Debugf("reconcile nudge device=%s dropped", mac)
	}
}

// LastPublish is zero if config was never published to device.
func (r *Reconciler) LastPublish(mac device.MAC) time.Time {
	return r.clock(mac).Time()
}

// Run cycles every Period and serves nudges until a is stopped.
// Caller must a.Add(1) before.
func (r *Reconciler) Run(a *alive.Alive) {
	defer a.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopch := a.StopChan()
	go func() {
		select {
		case <-stopch:
			cancel()
		case <-ctx.Done():
		}
	}()

	tmr := time.NewTicker(r.config.Period)
	defer tmr.Stop()
	_ = r.Cycle(ctx)
	for {
		select {
		case <-tmr.C:
			_ = r.Cycle(ctx)
		case mac := <-r.nudgech:
			if _, err := r.Reconcile(ctx, mac); err != nil {
				r.log.Error(err)
			}
		case <-stopch:
			r.log.Debugf("reconcile stop")
			return
		}
	}
}

func (r *Reconciler) publish(ctx context.Context, topic string, payload []byte) error {
	var err error
	for attempt := 1; attempt <= r.config.Retry; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = r.publishOnce(ctx, topic, payload); err == nil {
			return nil
		}
		r.log.Debugf("reconcile publish topic=%s attempt=%d err=%v", topic, attempt, err)
		if attempt < r.config.Retry && !helpers.SleepStop(ctx.Done(), r.config.RetryDelay) {
			return ctx.Err()
		}
	}
	return err
}

func (r *Reconciler) publishOnce(ctx context.Context, topic string, payload []byte) error {
	pctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	return r.pub.Publish(pctx, topic, payload)
}

func (r *Reconciler) clock(mac device.MAC) *atomic_clock.Clock {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.last[mac]
	if !ok {
		c = atomic_clock.New()
		r.last[mac] = c
	}
	return c
}
