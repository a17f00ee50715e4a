package store

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/persist"
)

const persistTag = "devices"

// Only user owned state survives restart: registration, offsets, desired config.
// Readings and liveness start from scratch.
type savedDevice struct {
	MAC     device.MAC                    `json:"mac"`
	Model   device.Model                  `json:"model"`
	Name    string                        `json:"name,omitempty"`
	Offsets map[device.SensorCode]float64 `json:"offsets,omitempty"`
	Desired *device.Config                `json:"desired,omitempty"`
}

type savedState struct {
	Devices []savedDevice `json:"devices"`
}

// EnablePersist loads saved registrations from root, empty root disables.
func (s *Store) EnablePersist(root string) error {
	slot, err := persist.Open(s.log, root, persistTag, s)
	if err != nil {
		return err
	}
	s.persist = slot
	return nil
}

func (s *Store) MarshalBinary() ([]byte, error) {
	st := savedState{}
	for _, mac := range s.MACs() {
		e := s.get(mac)
		e.Lock()
		if e.d.Registered {
			d := e.snapshot()
			st.Devices = append(st.Devices, savedDevice{
				MAC:     d.MAC,
				Model:   d.Model,
				Name:    d.Name,
				Offsets: d.Offsets,
				Desired: d.Desired,
			})
		}
		e.Unlock()
	}
	return json.Marshal(st)
}

func (s *Store) UnmarshalBinary(b []byte) error {
	st := savedState{}
	if err := json.Unmarshal(b, &st); err != nil {
		return errors.Annotate(err, "store unmarshal")
	}
	for _, sd := range st.Devices {
		mac, err := device.NormalizeMAC(string(sd.MAC))
		if err != nil {
			s.log.Errorf("store load skip err=%v", err)
			continue
		}
		e, _ := s.getOrCreate(mac, time.Time{})
		e.Lock()
		e.d.Model = sd.Model
		e.d.Name = sd.Name
		e.d.Registered = true
		e.d.Offsets = sd.Offsets
		e.d.Desired = sd.Desired
		e.Unlock()
	}
	return nil
}

func (s *Store) save() error {
	if err := s.persist.Save(); err != nil {
		s.log.Error(err)
		return err
	}
	return nil
}
