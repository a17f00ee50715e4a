// Package integration binds store, liveness, reconciler, outbox and transport
// into one bridge with setup/teardown and typed host calls.
package integration

import (
	"context"
	"expvar"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/zlobober/qingping-cgs1/helpers"
	"github.com/zlobober/qingping-cgs1/internal/config"
	"github.com/zlobober/qingping-cgs1/internal/convert"
	"github.com/zlobober/qingping-cgs1/internal/decode"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/device/schema"
	"github.com/zlobober/qingping-cgs1/internal/liveness"
	"github.com/zlobober/qingping-cgs1/internal/reconcile"
	"github.com/zlobober/qingping-cgs1/internal/store"
	"github.com/zlobober/qingping-cgs1/internal/tele"
	"github.com/zlobober/qingping-cgs1/log2"
)

const discoveryLimit = 64

// process wide, tests create many integrations
var stats = expvar.NewMap("qingping")

// CountError is log2 error hook for daemon.
func CountError(err error) { stats.Add("log_errors", 1) }

// Discovery is first message from device not known before.
type Discovery struct {
	ID           uuid.UUID         `json:"id"`
	MAC          device.MAC        `json:"mac"`
	Format       device.WireFormat `json:"format"`
	ModelVersion string            `json:"model_version,omitempty"`
	FirstSeen    time.Time         `json:"first_seen"`
}

type Integration struct {
	log        *log2.Log
	config     *config.Config
	prefix     string
	alive      *alive.Alive
	closeOnce  sync.Once
	store      *store.Store
	monitor    *liveness.Monitor
	reconciler *reconcile.Reconciler
	outbox     *tele.Outbox
	transport  tele.Transport
	validator  *schema.Validator
	units      unitPrefs
	stat       ingestStat

	discoMu     sync.Mutex
	discoveries []Discovery
}

// New fails on invalid config or unreadable persist root.
// Nothing runs before Start.
func New(cfg *config.Config, log *log2.Log, transport tele.Transport) (*Integration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.Errorf("code error integration transport=nil")
	}
	i := &Integration{
		log:       log,
		config:    cfg,
		prefix:    cfg.MQTT.Prefix(),
		alive:     alive.NewAlive(),
		store:     store.New(log),
		transport: transport,
		validator: schema.NewValidator(),
	}
	if err := i.store.EnablePersist(cfg.Persist.Root); err != nil {
		return nil, errors.Annotate(err, "integration store")
	}
	if err := i.units.init(log, cfg.Units.WithDefaults(), cfg.Persist.Root); err != nil {
		return nil, errors.Annotate(err, "integration units")
	}

	outboxPath := ""
	if cfg.Persist.Root != "" {
		outboxPath = filepath.Join(cfg.Persist.Root, "outbox")
	}
	var err error
	if i.outbox, err = tele.OpenOutbox(log, outboxPath, transport, cfg.MQTT.NetworkTimeout()); err != nil {
		return nil, err
	}

	i.monitor = liveness.New(log, i.store, cfg.SweepInterval())
	i.monitor.SetNotify(i.onTransition)
	i.reconciler = reconcile.New(log, i.store, transport, cfg.ReconcileConfig())

	if err = i.applyRegistrations(); err != nil {
		_ = i.outbox.Close()
		return nil, err
	}
	return i, nil
}

// Start connects transport and runs workers until Close.
func (i *Integration) Start(ctx context.Context) error {
	if !i.alive.Add(3) {
		return errors.Errorf("integration is closed")
	}
	go i.monitor.Run(i.alive)
	go i.reconciler.Run(i.alive)
	go i.outbox.Run(i.alive)
	if err := i.transport.Start(ctx, i.onMessage); err != nil {
		i.alive.Stop()
		_ = i.outbox.Close()
		i.alive.Wait()
		return errors.Annotate(err, "integration transport")
	}
	i.log.Infof("integration started devices=%d prefix=%s", i.store.Len(), i.prefix)
	return nil
}

// Close stops all workers and waits for them. Safe to call twice.
func (i *Integration) Close() error {
	var err error
	i.closeOnce.Do(func() {
		i.alive.Stop()
		errs := []error{i.outbox.Close()}
		i.alive.Wait()
		errs = append(errs, i.transport.Close())
		err = helpers.FoldErrors(errs)
		i.log.Debugf("integration closed")
	})
	return err
}

func (i *Integration) onMessage(topic string, payload []byte) {
	i.Ingest(topic, payload, time.Now())
}

// Ingest decodes one inbound message and merges it into store.
// Decode failures are logged and counted, never returned.
func (i *Integration) Ingest(topic string, payload []byte, ts time.Time) bool {
	i.stat.add(&i.stat.Received, "received")
	hint := device.ModelUnknown
	if mac, err := device.MACFromTopic(topic); err == nil {
		if d, err := i.store.Get(mac); err == nil {
			hint = d.Model
		}
	}
	r, err := decode.Parse(topic, payload, hint, ts)
	if err != nil {
		i.stat.drop(err)
		i.log.Errorf("integration ingest err=%v", err)
		return false
	}
	i.stat.add(&i.stat.Decoded, "decoded")
	if r.Format == device.FormatTLV && !r.ChecksumValid {
		i.log.Debugf("integration device=%s checksum mismatch", r.MAC)
	}
	if len(r.Ignored) != 0 {
		i.log.Debugf("integration device=%s ignored tags=%v", r.MAC, r.Ignored)
	}

	res := i.store.Upsert(r.MAC, r.Readings, &r.Meta, ts)
	switch {
	case res.Created:
		i.discover(r, ts)
	case res.Prev != device.LivenessOnline:
		// first message after start or recovery from offline
		if res.Prev == device.LivenessOffline {
			i.log.Infof("liveness device=%s %s->%s", r.MAC, res.Prev, device.LivenessOnline)
		}
		i.reconciler.Nudge(r.MAC)
	}
	if res.Acked {
		i.log.Infof("integration device=%s config acknowledged", r.MAC)
	}
	return true
}

func (i *Integration) onTransition(t liveness.Transition) {
	if t.To == device.LivenessOffline {
		stats.Add("offline", 1)
	}
}

func (i *Integration) discover(r *decode.Result, ts time.Time) {
	d := Discovery{
		ID:           uuid.New(),
		MAC:          r.MAC,
		Format:       r.Format,
		ModelVersion: r.Meta.ModelVersion,
		FirstSeen:    ts,
	}
	i.log.Infof("integration discovered device=%s format=%s id=%s", d.MAC, d.Format, d.ID)
	stats.Add("discovered", 1)
	helpers.WithLock(&i.discoMu, func() {
		if len(i.discoveries) >= discoveryLimit {
			copy(i.discoveries, i.discoveries[1:])
			i.discoveries = i.discoveries[:discoveryLimit-1]
		}
		i.discoveries = append(i.discoveries, d)
	})
}

// Discoveries returns recent discovery events, oldest first.
func (i *Integration) Discoveries() []Discovery {
	i.discoMu.Lock()
	defer i.discoMu.Unlock()
	return append([]Discovery(nil), i.discoveries...)
}

func (i *Integration) applyRegistrations() error {
	rs, err := i.config.Registrations()
	if err != nil {
		return err
	}
	for _, r := range rs {
		if _, err = i.store.Register(r.MAC, r.Model, r.Name); err != nil {
			return errors.Annotatef(err, "integration register device=%s", r.MAC)
		}
		for code, offset := range r.Offsets {
			if err = i.store.SetOffset(r.MAC, code, offset); err != nil {
				return errors.Annotatef(err, "integration register")
			}
		}
		if r.Desired != nil {
			if _, err = i.store.SetDesired(r.MAC, *r.Desired); err != nil {
				return errors.Annotatef(err, "integration register")
			}
		}
		i.log.Debugf("integration registered device=%s model=%s", r.MAC, r.Model)
	}
	return nil
}

func (i *Integration) Register(macString string, model device.Model, name string) (store.Device, error) {
	mac, err := device.NormalizeMAC(macString)
	if err != nil {
		return store.Device{}, err
	}
	d, err := i.store.Register(mac, model, name)
	if err != nil {
		return d, err
	}
	i.log.Infof("integration registered device=%s model=%s", mac, model)
	i.reconciler.Nudge(mac)
	return d, nil
}

func (i *Integration) Device(macString string) (store.Device, error) {
	mac, err := device.NormalizeMAC(macString)
	if err != nil {
		return store.Device{}, err
	}
	return i.store.Get(mac)
}

// Devices are sorted by MAC.
func (i *Integration) Devices() []store.Device { return i.store.List() }

func (i *Integration) SetOffset(macString string, code device.SensorCode, offset float64) error {
	mac, err := device.NormalizeMAC(macString)
	if err != nil {
		return err
	}
	return i.store.SetOffset(mac, code, offset)
}

// SetDesiredConfig validates options against model schema and range table.
// Zero interval means model default.
func (i *Integration) SetDesiredConfig(macString string, c device.Config) error {
	d, err := i.Device(macString)
	if err != nil {
		return err
	}
	spec := d.Spec()
	if err = i.validator.ValidateInts(spec.OptionsSchema(), c.Options); err != nil {
		return errors.Annotatef(err, "device=%s", d.MAC)
	}
	if c.Interval == 0 {
		c.Interval = spec.Interval.Default
	}
	changed, err := i.store.SetDesired(d.MAC, c)
	if err != nil {
		return err
	}
	if changed {
		i.log.Infof("integration device=%s desired %s", d.MAC, c.String())
		i.reconciler.Nudge(d.MAC)
	}
	return nil
}

func (i *Integration) Units() convert.Units { return i.units.get() }

func (i *Integration) SetUnits(u convert.Units) error {
	u = u.WithDefaults()
	if err := u.Validate(); err != nil {
		return err
	}
	return i.units.set(u)
}

// Present returns display values of latest readings sorted by code.
// Reading that can not be converted is marked unavailable.
// Codes outside model sensor set are skipped.
func (i *Integration) Present(macString string) ([]convert.Value, error) {
	d, err := i.Device(macString)
	if err != nil {
		return nil, err
	}
	units := i.units.get()
	spec := d.Spec()
	vs := make([]convert.Value, 0, len(d.Readings))
	for _, code := range device.AllSensors() {
		r, ok := d.Readings[code]
		if !ok {
			continue
		}
		if !spec.HasSensor(code) {
			// payload key the model does not have, e.g. after wrong registration
			i.log.Debugf("integration device=%s model=%s skip %s", d.MAC, d.Model, code)
			continue
		}
		v, err := convert.Present(r, d.Offset(code), units)
		if err != nil {
			i.log.Debugf("integration device=%s present %s err=%v", d.MAC, code, err)
			v.Unavailable = true
		}
		vs = append(vs, v)
	}
	return vs, nil
}

// Calibrate queues manual CO2 calibration command.
func (i *Integration) Calibrate(macString string) error {
	return i.command(macString, reconcile.CalibratePayload)
}

// RequestSettings queues settings report request for binary models.
func (i *Integration) RequestSettings(macString string) error {
	return i.command(macString, reconcile.RequestSettingsPayload)
}

func (i *Integration) command(macString string, fun func(*device.Spec) ([]byte, error)) error {
	d, err := i.Device(macString)
	if err != nil {
		return err
	}
	payload, err := fun(d.Spec())
	if err != nil {
		return errors.Annotatef(err, "device=%s", d.MAC)
	}
	return i.outbox.Push(device.DownTopic(i.prefix, d.MAC), payload)
}

// LastPublish is zero until reconciler sent config to device.
func (i *Integration) LastPublish(macString string) (time.Time, error) {
	mac, err := device.NormalizeMAC(macString)
	if err != nil {
		return time.Time{}, err
	}
	return i.reconciler.LastPublish(mac), nil
}

func (i *Integration) Stat() Stat {
	s := i.stat.get()
	s.Outbox = i.outbox.Stat()
	s.Devices = i.store.Len()
	return s
}
