// Package liveness marks devices offline when they stop reporting.
// Online transitions happen only in store.Upsert.
package liveness

import (
	"fmt"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/store"
	"github.com/zlobober/qingping-cgs1/log2"
)

// Threshold is fixed, report interval setting does not change it.
const Threshold = 300 * time.Second

const DefaultSweepInterval = 60 * time.Second

type Transition struct {
	MAC  device.MAC
	From device.Liveness
	To   device.Liveness
	At   time.Time
}

func (t Transition) String() string {
	return fmt.Sprintf("device=%s %s->%s", t.MAC, t.From, t.To)
}

type Monitor struct {
	log      *log2.Log
	store    *store.Store
	interval time.Duration
	notify   func(Transition)
	now      func() time.Time
}

// New clamps sweep interval to (0, Threshold).
func New(log *log2.Log, st *store.Store, interval time.Duration) *Monitor {
	if interval <= 0 || interval >= Threshold {
		interval = DefaultSweepInterval
	}
	return &Monitor{
		log:      log,
		store:    st,
		interval: interval,
		now:      time.Now,
	}
}

func (m *Monitor) Interval() time.Duration { return m.interval }

// SetNotify installs transition callback, call before Run.
func (m *Monitor) SetNotify(f func(Transition)) { m.notify = f }

// Stale reports whether device last seen at lastSeen is offline at now.
func Stale(lastSeen, now time.Time) bool {
	return now.Sub(lastSeen) > Threshold
}

// Sweep moves stale Online devices to Offline. Work is one pass over store.
func (m *Monitor) Sweep(now time.Time) []Transition {
	var ts []Transition
	for _, mac := range m.store.MACs() {
		from, to, err := m.store.Transition(mac, func(lastSeen time.Time, cur device.Liveness) device.Liveness {
			if cur == device.LivenessOnline && Stale(lastSeen, now) {
				return device.LivenessOffline
			}
			return cur
		})
		if err != nil || from == to {
			continue
		}
		t := Transition{MAC: mac, From: from, To: to, At: now}
		m.log.Infof("liveness %s", t.String())
		ts = append(ts, t)
		if m.notify != nil {
			m.notify(t)
		}
	}
	return ts
}

// Run sweeps until a is stopped. Caller must a.Add(1) before.
func (m *Monitor) Run(a *alive.Alive) {
	defer a.Done()
	tmr := time.NewTicker(m.interval)
	defer tmr.Stop()
	stopch := a.StopChan()
	for {
		select {
		case <-tmr.C:
			m.Sweep(m.now())
		case <-stopch:
			m.log.Debugf("liveness stop")
			return
		}
	}
}
