// Package config reads bridge HCL config with includes.
package config

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/helpers"
	"github.com/zlobober/qingping-cgs1/internal/convert"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/liveness"
	"github.com/zlobober/qingping-cgs1/internal/reconcile"
	"github.com/zlobober/qingping-cgs1/internal/tele"
	"github.com/zlobober/qingping-cgs1/log2"
)

type Config struct { //nolint:maligned
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	MQTT    tele.Config `hcl:"mqtt"`
	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`
	Liveness struct {
		SweepSec int `hcl:"sweep_sec"`
	} `hcl:"liveness"`
	Reconcile struct {
		PeriodSec            int `hcl:"period_sec"`
		PublishRetry         int `hcl:"publish_retry"`
		PublishRetryDelaySec int `hcl:"publish_retry_delay_sec"`
	} `hcl:"reconcile"`
	Units convert.Units `hcl:"units"`
	HTTP  struct {
		Listen string `hcl:"listen"`
	} `hcl:"http"`
	Devices  []DeviceConfig `hcl:"device"`
	LogDebug bool           `hcl:"log_debug"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// DeviceConfig is static registration, applied on every start.
type DeviceConfig struct {
	MAC         string             `hcl:"mac,key"`
	Model       string             `hcl:"model"`
	Name        string             `hcl:"name"`
	IntervalSec int                `hcl:"interval_sec"`
	Realtime    bool               `hcl:"realtime"`
	Offsets     map[string]float64 `hcl:"offsets"`
	Options     map[string]int     `hcl:"options"`
}

// Registration is DeviceConfig resolved to typed values.
type Registration struct {
	MAC     device.MAC
	Model   device.Model
	Name    string
	Offsets map[device.SensorCode]float64
	// nil when section sets neither interval nor options
	Desired *device.Config
}

func (d *DeviceConfig) Resolve() (Registration, error) {
	var r Registration
	var err error
	if r.MAC, err = device.NormalizeMAC(d.MAC); err != nil {
		return r, errors.Annotatef(err, "config device=%s", d.MAC)
	}
	if r.Model, err = device.ParseModel(d.Model); err != nil {
		return r, errors.Annotatef(err, "config device=%s", d.MAC)
	}
	r.Name = d.Name
	if len(d.Offsets) != 0 {
		r.Offsets = make(map[device.SensorCode]float64, len(d.Offsets))
		for k, v := range d.Offsets {
			code, err := device.ParseSensorCode(k)
			if err != nil {
				return r, errors.Annotatef(err, "config device=%s offsets", d.MAC)
			}
			r.Offsets[code] = v
		}
	}
	if d.IntervalSec != 0 || len(d.Options) != 0 {
		spec := device.Lookup(r.Model)
		c := device.Config{Interval: d.IntervalSec, Realtime: d.Realtime, Options: d.Options}
		if c.Interval == 0 {
			c.Interval = spec.Interval.Default
		}
		if err = spec.CheckConfig(c); err != nil {
			return r, errors.Annotatef(err, "config device=%s", d.MAC)
		}
		r.Desired = &c
	}
	return r, nil
}

func (c *Config) SweepInterval() time.Duration {
	return helpers.IntSecondDefault(c.Liveness.SweepSec, liveness.DefaultSweepInterval)
}

func (c *Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		Period:      helpers.IntSecondDefault(c.Reconcile.PeriodSec, reconcile.DefaultPeriod),
		Retry:       c.Reconcile.PublishRetry,
		RetryDelay:  helpers.IntSecondDefault(c.Reconcile.PublishRetryDelaySec, reconcile.DefaultRetryDelay),
		Timeout:     c.MQTT.NetworkTimeout(),
		TopicPrefix: c.MQTT.Prefix(),
	}
}

// Registrations are sorted by MAC, duplicate MAC is error.
func (c *Config) Registrations() ([]Registration, error) {
	rs := make([]Registration, 0, len(c.Devices))
	seen := make(map[device.MAC]struct{}, len(c.Devices))
	errs := make([]error, 0)
	for i := range c.Devices {
		r, err := c.Devices[i].Resolve()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := seen[r.MAC]; ok {
			errs = append(errs, errors.NotValidf("config device=%s duplicate", r.MAC))
			continue
		}
		seen[r.MAC] = struct{}{}
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].MAC < rs[j].MAC })
	return rs, helpers.FoldErrors(errs)
}

// Validate checks everything that does not need network or disk.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if err := c.MQTT.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Units.WithDefaults().Validate(); err != nil {
		errs = append(errs, errors.Annotate(err, "config units"))
	}
	if c.Liveness.SweepSec < 0 || time.Duration(c.Liveness.SweepSec)*time.Second >= liveness.Threshold {
		errs = append(errs, errors.NotValidf("config liveness sweep_sec=%d", c.Liveness.SweepSec))
	}
	if _, err := c.Registrations(); err != nil {
		errs = append(errs, err)
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges sources in order, later values overwrite.
// Result is not validated, see Validate.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
