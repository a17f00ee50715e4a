package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlobober/qingping-cgs1/internal/convert"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/reconcile"
	"github.com/zlobober/qingping-cgs1/internal/tele"
	"github.com/zlobober/qingping-cgs1/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     string
		sources   map[string]string
		check     func(testing.TB, *Config)
		expectErr string
	}{
		{"empty", "", nil, func(t testing.TB, c *Config) {
			assert.Equal(t, "qingping", c.MQTT.Prefix())
			assert.Equal(t, 60*time.Second, c.SweepInterval())
			assert.Equal(t, reconcile.Config{
				Period: reconcile.DefaultPeriod, RetryDelay: reconcile.DefaultRetryDelay,
				Timeout: tele.DefaultNetworkTimeout, TopicPrefix: "qingping",
			}, c.ReconcileConfig())
			assert.Equal(t, convert.DefaultUnits(), c.Units.WithDefaults())
		}, ""},

		{"sections", `
mqtt {
	transport = "paho"
	broker = "tcp://broker.lan:1883"
	username = "bridge"
	keepalive_sec = 30
	network_timeout_sec = 7
	topic_prefix = "home/qp"
	qos = 1
}
persist { root = "/var/lib/qingping" }
liveness { sweep_sec = 20 }
reconcile {
	period_sec = 30
	publish_retry = 5
	publish_retry_delay_sec = 2
}
units {
	system = "imperial"
	tvoc = "mg/m3"
}
http { listen = ":8080" }
log_debug = true`, nil, func(t testing.TB, c *Config) {
			assert.Equal(t, "paho", c.MQTT.Transport)
			assert.Equal(t, "tcp://broker.lan:1883", c.MQTT.Broker)
			assert.Equal(t, 30*time.Second, c.MQTT.Keepalive())
			assert.Equal(t, 1, c.MQTT.QOS)
			assert.Equal(t, "/var/lib/qingping", c.Persist.Root)
			assert.Equal(t, 20*time.Second, c.SweepInterval())
			assert.Equal(t, reconcile.Config{
				Period: 30 * time.Second, Retry: 5, RetryDelay: 2 * time.Second,
				Timeout: 7 * time.Second, TopicPrefix: "home/qp",
			}, c.ReconcileConfig())
			assert.Equal(t, convert.Units{System: convert.Imperial, TVOC: convert.UnitMgM3, ETVOC: convert.UnitIndex}, c.Units.WithDefaults())
			assert.Equal(t, ":8080", c.HTTP.Listen)
			assert.True(t, c.LogDebug)
			assert.NoError(t, c.Validate())
		}, ""},

		{"devices", `
mqtt { broker = "tcp://localhost:1883" }
device "58:2d:34:70:ab:12" {
	model = "CGS1"
	name = "bedroom"
	interval_sec = 30
	realtime = true
	offsets = { temperature = -1.5 co2 = 20.0 }
	options = { co2_asc = 0 }
}
device "582D3470AB13" { model = "cgp22c" }`, nil, func(t testing.TB, c *Config) {
			require.NoError(t, c.Validate())
			rs, err := c.Registrations()
			require.NoError(t, err)
			require.Len(t, rs, 2)
			assert.Equal(t, Registration{
				MAC:     "582D3470AB12",
				Model:   device.ModelCGS1,
				Name:    "bedroom",
				Offsets: map[device.SensorCode]float64{device.SensorTemperature: -1.5, device.SensorCO2: 20},
				Desired: &device.Config{Interval: 30, Realtime: true, Options: map[string]int{device.OptionCO2ASC: 0}},
			}, rs[0])
			assert.Equal(t, Registration{MAC: "582D3470AB13", Model: device.ModelCGP22C}, rs[1])
		}, ""},

		{"device-errors", `
mqtt { broker = "tcp://localhost:1883" }
device "582D3470AB12" { model = "CGS9" }
device "582D3470AB13" {
	model = "CGS2"
	interval_sec = 7
}
device "582D3470AB14" {
	model = "CGS2"
	offsets = { humidty = 1.0 }
}
device "not-a-mac" { model = "CGS1" }
device "582D3470AB15" { model = "CGS1" }
device "58-2D-34-70-AB-15" { model = "CGS2" }`, nil, func(t testing.TB, c *Config) {
			rs, err := c.Registrations()
			require.Error(t, err)
			for _, s := range []string{"CGS9", "interval=7", "humidty", "not-a-mac", "582D3470AB15 duplicate"} {
				assert.Contains(t, err.Error(), s)
			}
			require.Len(t, rs, 1)
			assert.Error(t, c.Validate())
		}, ""},

		{"invalid-sections", `
mqtt { transport = "amqp" }
units { etvoc = "ppm" }
liveness { sweep_sec = 300 }`, nil, func(t testing.TB, c *Config) {
			err := c.Validate()
			require.Error(t, err)
			for _, s := range []string{"transport", "etvoc", "sweep_sec"} {
				assert.Contains(t, err.Error(), s)
			}
		}, ""},

		{"include-optional", `
include "mqtt-local" {}
include "non-exist" { optional = true }`, map[string]string{
			"mqtt-local": `mqtt { broker = "tcp://127.0.0.1:1883" }`,
		}, func(t testing.TB, c *Config) {
			assert.Equal(t, "tcp://127.0.0.1:1883", c.MQTT.Broker)
		}, ""},

		{"include-overwrites", `
http { listen = ":8080" }
include "override" {}`, map[string]string{
			"override": `http { listen = "" }`,
		}, func(t testing.TB, c *Config) {
			assert.Equal(t, "", c.HTTP.Listen)
		}, ""},

		{"include-devices-merge", `
device "582D3470AB12" { model = "CGS1" }
include "more" {}`, map[string]string{
			"more": `device "582D3470AB13" { model = "CGS2" }`,
		}, func(t testing.TB, c *Config) {
			rs, err := c.Registrations()
			require.NoError(t, err)
			assert.Len(t, rs, 2)
		}, ""},

		{"include-required", `include "non-exist" {}`, nil, nil, "config required name=non-exist"},
		{"include-loop", `include "a" {}`, map[string]string{"a": `include "test-inline" {}`}, nil, "include loop"},
		{"syntax", `mqtt { broker = }`, nil, nil, "config unmarshal source=test-inline"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			sources := map[string]string{"test-inline": c.input}
			for k, v := range c.sources {
				sources[k] = v
			}
			cfg, err := ReadConfig(log, NewMockFullReader(sources), "test-inline")
			if c.expectErr == "" {
				require.NoError(t, err, errors.ErrorStack(err))
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			if c.check != nil {
				c.check(t, cfg)
			}
		})
	}
}

func TestReadConfigOS(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qingping.hcl"), []byte(`
mqtt { broker = "tcp://localhost:1883" }
include "local.hcl" { optional = true }
include "devices.hcl" {}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devices.hcl"), []byte(`device "582D3470AB12" { model = "CGDN1" }`), 0o644))

	log := log2.NewTest(t, log2.LDebug)
	c := MustReadConfig(log, NewOsFullReader(), filepath.Join(dir, "qingping.hcl"))
	require.NoError(t, c.Validate())
	rs, err := c.Registrations()
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, device.ModelCGDN1, rs[0].Model)
}
