// Package store is the system of record for device state.
// One RWMutex guards the map, each entry has own mutex.
// Entries are never removed.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/internal/convert"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/persist"
	"github.com/zlobober/qingping-cgs1/log2"
)

// Device is immutable snapshot of one entry.
type Device struct {
	MAC        device.MAC                           `json:"mac"`
	Model      device.Model                         `json:"model"`
	Name       string                               `json:"name,omitempty"`
	Registered bool                                 `json:"registered"`
	Liveness   device.Liveness                      `json:"liveness"`
	FirstSeen  time.Time                            `json:"first_seen,omitempty"`
	LastSeen   time.Time                            `json:"last_seen,omitempty"`
	Readings   map[device.SensorCode]device.Reading `json:"readings"`
	Offsets    map[device.SensorCode]float64        `json:"offsets,omitempty"`
	Meta       device.Metadata                      `json:"meta"`
	Desired    *device.Config                       `json:"desired,omitempty"`
	// last config sent and not yet implicitly acknowledged
	Pending     *device.Config `json:"pending,omitempty"`
	PublishedAt time.Time      `json:"published_at,omitempty"`
}

// Acked is last acknowledged configuration as reported by device.
func (d *Device) Acked() device.Reported { return d.Meta.Reported }

func (d *Device) Spec() *device.Spec { return device.Lookup(d.Model) }

// Offset returns 0 when not set.
func (d *Device) Offset(code device.SensorCode) float64 { return d.Offsets[code] }

// Converged is false without desired config.
func (d *Device) Converged() bool {
	if d.Desired == nil {
		return false
	}
	return d.Spec().Converged(*d.Desired, d.Meta.Reported)
}

type entry struct {
	sync.Mutex
	d Device
}

func (e *entry) snapshot() Device {
	d := e.d
	d.Readings = make(map[device.SensorCode]device.Reading, len(e.d.Readings))
	for k, v := range e.d.Readings {
		d.Readings[k] = v
	}
	if e.d.Offsets != nil {
		d.Offsets = make(map[device.SensorCode]float64, len(e.d.Offsets))
		for k, v := range e.d.Offsets {
			d.Offsets[k] = v
		}
	}
	d.Meta = e.d.Meta.Clone()
	if e.d.Desired != nil {
		c := e.d.Desired.Clone()
		d.Desired = &c
	}
	if e.d.Pending != nil {
		c := e.d.Pending.Clone()
		d.Pending = &c
	}
	return d
}

type Store struct {
	log     *log2.Log
	mu      sync.RWMutex
	devices map[device.MAC]*entry
	persist *persist.Slot
}

func New(log *log2.Log) *Store {
	return &Store{
		log:     log,
		devices: make(map[device.MAC]*entry),
	}
}

// UpsertResult describes entry state before update.
type UpsertResult struct {
	Created bool
	Prev    device.Liveness
	// implicit acknowledgement of pending config happened
	Acked bool
}

// Upsert merges readings and metadata, sets LastSeen=ts and Online.
// Readings must be sorted by time, absent codes keep prior values.
// Historic reading never replaces newer stored value of the same code.
func (s *Store) Upsert(mac device.MAC, readings []device.Reading, meta *device.Metadata, ts time.Time) UpsertResult {
	e, created := s.getOrCreate(mac, ts)
	e.Lock()
	defer e.Unlock()
	r := UpsertResult{Created: created, Prev: e.d.Liveness}
	if e.d.FirstSeen.IsZero() {
		e.d.FirstSeen = ts
	}

	for _, x := range readings {
		if x.Report == device.ReportHistoric {
			if old, ok := e.d.Readings[x.Code]; ok && !x.Time.After(old.Time) {
				continue
			}
		}
		e.d.Readings[x.Code] = x
	}
	if meta != nil {
		e.d.Meta.Merge(meta)
		if e.d.Pending != nil && meta.Report != device.ReportUnknown &&
			e.d.Spec().ImplicitAck && !ts.Before(e.d.PublishedAt) {
			// device does not echo settings, first report after publish confirms them
			// report type of this message still decides realtime flag
			ack := device.ReportedFromConfig(*e.d.Pending)
			ack.Merge(meta.Reported)
			e.d.Meta.Reported.Merge(ack)
			e.d.Pending = nil
			r.Acked = true
		}
	}
	e.d.LastSeen = ts
	e.d.Liveness = device.LivenessOnline
	return r
}

// Get returns snapshot or NotFound.
func (s *Store) Get(mac device.MAC) (Device, error) {
	e := s.get(mac)
	if e == nil {
		return Device{}, errors.NotFoundf("device=%s", mac)
	}
	e.Lock()
	defer e.Unlock()
	return e.snapshot(), nil
}

// List returns snapshots sorted by MAC.
func (s *Store) List() []Device {
	macs := s.MACs()
	ds := make([]Device, 0, len(macs))
	for _, mac := range macs {
		if d, err := s.Get(mac); err == nil {
			ds = append(ds, d)
		}
	}
	return ds
}

func (s *Store) MACs() []device.MAC {
	s.mu.RLock()
	macs := make([]device.MAC, 0, len(s.devices))
	for mac := range s.devices {
		macs = append(macs, mac)
	}
	s.mu.RUnlock()
	sort.Slice(macs, func(i, j int) bool { return macs[i] < macs[j] })
	return macs
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Register creates entry before any message or confirms discovered one.
// Liveness is not touched.
func (s *Store) Register(mac device.MAC, model device.Model, name string) (Device, error) {
	if model == device.ModelUnknown || device.Lookup(model).Model != model {
		return Device{}, errors.NotValidf("register device=%s model=%s", mac, model)
	}
	e, _ := s.getOrCreate(mac, time.Time{})
	e.Lock()
	if e.d.Model != model {
		// offsets and desired config are model specific
		e.d.Offsets = nil
		e.d.Desired = nil
		e.d.Pending = nil
	}
	e.d.Model = model
	e.d.Registered = true
	if name != "" {
		e.d.Name = name
	}
	d := e.snapshot()
	e.Unlock()
	return d, s.save()
}

// SetOffset rejects out of range value keeping previous one.
func (s *Store) SetOffset(mac device.MAC, code device.SensorCode, offset float64) error {
	e := s.get(mac)
	if e == nil {
		return errors.NotFoundf("device=%s", mac)
	}
	e.Lock()
	if err := convert.CheckOffset(e.d.Spec(), code, offset); err != nil {
		e.Unlock()
		return errors.Annotatef(err, "device=%s", mac)
	}
	if e.d.Offsets == nil {
		e.d.Offsets = make(map[device.SensorCode]float64)
	}
	e.d.Offsets[code] = offset
	e.Unlock()
	return s.save()
}

// SetDesired validates config against model and stores it.
// Changed config makes reconciler publish again.
func (s *Store) SetDesired(mac device.MAC, c device.Config) (changed bool, err error) {
	e := s.get(mac)
	if e == nil {
		return false, errors.NotFoundf("device=%s", mac)
	}
	e.Lock()
	if !e.d.Registered {
		e.Unlock()
		return false, errors.NotValidf("device=%s not registered", mac)
	}
	if err := e.d.Spec().CheckConfig(c); err != nil {
		e.Unlock()
		return false, errors.Annotatef(err, "device=%s", mac)
	}
	changed = e.d.Desired == nil || !e.d.Desired.Equal(c)
	x := c.Clone()
	e.d.Desired = &x
	e.Unlock()
	if !changed {
		return false, nil
	}
	return true, s.save()
}

// MarkPublished records config sent to device at t.
func (s *Store) MarkPublished(mac device.MAC, c device.Config, t time.Time) error {
	e := s.get(mac)
	if e == nil {
		return errors.NotFoundf("device=%s", mac)
	}
	e.Lock()
	defer e.Unlock()
	x := c.Clone()
	e.d.Pending = &x
	e.d.PublishedAt = t
	return nil
}

// TransitionFunc decides next liveness of one entry under its lock.
type TransitionFunc func(lastSeen time.Time, current device.Liveness) device.Liveness

// Transition applies fn to entry atomically, returns previous and new state.
func (s *Store) Transition(mac device.MAC, fn TransitionFunc) (prev, next device.Liveness, err error) {
	e := s.get(mac)
	if e == nil {
		return 0, 0, errors.NotFoundf("device=%s", mac)
	}
	e.Lock()
	defer e.Unlock()
	prev = e.d.Liveness
	next = fn(e.d.LastSeen, prev)
	e.d.Liveness = next
	return prev, next, nil
}

func (s *Store) get(mac device.MAC) *entry {
	s.mu.RLock()
	e := s.devices[mac]
	s.mu.RUnlock()
	return e
}

func (s *Store) getOrCreate(mac device.MAC, ts time.Time) (*entry, bool) {
	if e := s.get(mac); e != nil {
		return e, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.devices[mac]; ok {
		return e, false
	}
	e := &entry{d: Device{
		MAC:       mac,
		FirstSeen: ts,
		Readings:  make(map[device.SensorCode]device.Reading),
		Meta:      device.Metadata{MAC: mac},
	}}
	s.devices[mac] = e
	return e, true
}
