package integration

import (
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/helpers"
	"github.com/zlobober/qingping-cgs1/internal/convert"
	"github.com/zlobober/qingping-cgs1/internal/persist"
	"github.com/zlobober/qingping-cgs1/log2"
)

const unitsPersistTag = "units"

// unitPrefs starts from config, saved host choice wins after restart.
type unitPrefs struct {
	mu      sync.RWMutex
	u       convert.Units
	persist *persist.Slot
}

func (p *unitPrefs) init(log *log2.Log, u convert.Units, root string) error {
	p.u = u
	slot, err := persist.Open(log, root, unitsPersistTag, p)
	if err != nil {
		return err
	}
	p.persist = slot
	return nil
}

func (p *unitPrefs) get() convert.Units {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.u
}

func (p *unitPrefs) set(u convert.Units) error {
	helpers.WithLock(&p.mu, func() { p.u = u })
	return p.persist.Save()
}

func (p *unitPrefs) MarshalBinary() ([]byte, error) {
	return json.Marshal(p.get())
}

func (p *unitPrefs) UnmarshalBinary(b []byte) error {
	var u convert.Units
	if err := json.Unmarshal(b, &u); err != nil {
		return errors.Annotate(err, "units unmarshal")
	}
	u = u.WithDefaults()
	if err := u.Validate(); err != nil {
		return err
	}
	helpers.WithLock(&p.mu, func() { p.u = u })
	return nil
}
