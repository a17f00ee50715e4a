package integration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlobober/qingping-cgs1/internal/config"
	"github.com/zlobober/qingping-cgs1/internal/convert"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/tele"
	"github.com/zlobober/qingping-cgs1/log2"
)

const (
	testMAC   = device.MAC("582D3470AB12")
	testUp    = "qingping/582D3470AB12/up"
	testDown  = "qingping/582D3470AB12/down"
	otherUp   = "qingping/582D3470AB13/up"
	realtime  = `{"type":"12","timestamp":1700000000,"sensorData":[{"temperature":{"value":21.5},"co2":{"value":600}}]}`
	historic  = `{"type":"17","sensorData":[{"temperature":{"value":21.0},"timestamp":{"value":1700000000}}]}`
	waitLimit = 3 * time.Second
)

type fakeTransport struct {
	sync.Mutex
	onMessage tele.MessageFunc
	sent      []string
	closed    bool
}

func (f *fakeTransport) Start(ctx context.Context, onMessage tele.MessageFunc) error {
	f.Lock()
	defer f.Unlock()
	f.onMessage = onMessage
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	f.Lock()
	defer f.Unlock()
	f.sent = append(f.sent, topic+" "+string(payload))
	return nil
}

func (f *fakeTransport) Close() error {
	f.Lock()
	defer f.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) deliver(topic, payload string) {
	f.Lock()
	fun := f.onMessage
	f.Unlock()
	fun(topic, []byte(payload))
}

func (f *fakeTransport) has(prefix string, substr string) bool {
	f.Lock()
	defer f.Unlock()
	for _, s := range f.sent {
		if strings.HasPrefix(s, prefix) && strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func testConfig(root string, devices ...config.DeviceConfig) *config.Config {
	c := &config.Config{Devices: devices}
	c.MQTT.Broker = "tcp://localhost:1883"
	c.Persist.Root = root
	return c
}

func newTest(t testing.TB, c *config.Config) (*Integration, *fakeTransport) {
	tr := &fakeTransport{}
	i, err := New(c, log2.NewTest(t, log2.LDebug), tr)
	require.NoError(t, err, errors.ErrorStack(err))
	return i, tr
}

func TestIngest(t *testing.T) {
	t.Parallel()
	i, _ := newTest(t, testConfig(""))
	defer i.Close()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, i.Ingest(testUp, []byte(realtime), ts))
	assert.True(t, i.Ingest(testUp, []byte(realtime), ts.Add(time.Minute)))
	assert.False(t, i.Ingest(testUp, []byte("hello"), ts))
	assert.False(t, i.Ingest("garbage", []byte(`{"humidity":55}`), ts))
	assert.False(t, i.Ingest(otherUp, []byte{'C', 'G', 0x41, 0x20, 0x00, 0x01}, ts))

	ds := i.Discoveries()
	require.Len(t, ds, 1)
	assert.Equal(t, testMAC, ds[0].MAC)
	assert.Equal(t, device.FormatJSON, ds[0].Format)
	assert.Equal(t, ts, ds[0].FirstSeen)

	d, err := i.Device("58:2d:34:70:ab:12")
	require.NoError(t, err)
	assert.Equal(t, device.LivenessOnline, d.Liveness)
	assert.False(t, d.Registered)
	assert.Equal(t, ts.Add(time.Minute), d.LastSeen)
	assert.Len(t, i.Devices(), 1)

	s := i.Stat()
	assert.Equal(t, uint64(5), s.Received)
	assert.Equal(t, uint64(2), s.Decoded)
	assert.Equal(t, uint64(1), s.DropUnsupported)
	assert.Equal(t, uint64(3), s.DropUnsupported+s.DropInvalid+s.DropTruncated+s.DropOther)
	assert.Equal(t, 1, s.Devices)
}

func TestIngestDropKeepsState(t *testing.T) {
	t.Parallel()
	i, _ := newTest(t, testConfig(""))
	defer i.Close()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, i.Ingest(testUp, []byte(realtime), ts))
	before, err := i.Device(string(testMAC))
	require.NoError(t, err)

	cases := []struct {
		name    string
		payload []byte
	}{
		{"truncated-frame", []byte{'C', 'G', 0x41, 0x20, 0x00, 0x01}},
		{"truncated-entry", []byte{'C', 'G', 0x41, 0x04, 0x00, 0x64, 0x05, 0x00, 0x58}},
		{"unsupported", []byte("hello")},
	}
	for n, c := range cases {
		assert.False(t, i.Ingest(testUp, c.payload, ts.Add(time.Duration(n+1)*time.Minute)), c.name)
		after, err := i.Device(string(testMAC))
		require.NoError(t, err, c.name)
		assert.Equal(t, before.LastSeen, after.LastSeen, c.name)
		assert.Equal(t, before.Readings, after.Readings, c.name)
		assert.Equal(t, before.Meta, after.Meta, c.name)
		assert.Equal(t, before.Liveness, after.Liveness, c.name)
	}
	s := i.Stat()
	assert.Equal(t, uint64(2), s.DropTruncated)
	assert.Equal(t, uint64(1), s.DropUnsupported)
}

func TestDiscoveryLimit(t *testing.T) {
	t.Parallel()
	i, _ := newTest(t, testConfig(""))
	defer i.Close()
	ts := time.Now()
	for n := 0; n < discoveryLimit+5; n++ {
		mac := device.MAC(strings.ToUpper(strings.Repeat("0", 8) + hex4(n)))
		require.True(t, i.Ingest("qingping/"+string(mac)+"/up", []byte(`{"humidity":55}`), ts))
	}
	ds := i.Discoveries()
	require.Len(t, ds, discoveryLimit)
	assert.Equal(t, device.MAC("000000000005"), ds[0].MAC)
}

func hex4(n int) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[n>>12&0xf], digits[n>>8&0xf], digits[n>>4&0xf], digits[n&0xf]})
}

func TestHostCalls(t *testing.T) {
	t.Parallel()
	i, _ := newTest(t, testConfig(""))
	defer i.Close()

	_, err := i.Register("not-a-mac", device.ModelCGS1, "")
	assert.True(t, errors.IsNotValid(err), errors.ErrorStack(err))
	_, err = i.Register("582D3470AB12", device.ModelUnknown, "")
	assert.True(t, errors.IsNotValid(err), errors.ErrorStack(err))
	_, err = i.Device("582D3470AB99")
	assert.True(t, errors.IsNotFound(err), errors.ErrorStack(err))
	assert.True(t, errors.IsNotFound(i.SetOffset("582D3470AB99", device.SensorCO2, 1)))
	assert.True(t, errors.IsNotFound(i.Calibrate("582D3470AB99")))

	d, err := i.Register("58-2d-34-70-ab-12", device.ModelCGS1, "bedroom")
	require.NoError(t, err)
	assert.Equal(t, testMAC, d.MAC)
	assert.True(t, d.Registered)

	err = i.SetOffset("582D3470AB12", device.SensorTemperature, 11)
	assert.Equal(t, convert.ErrOffsetOutOfRange, errors.Cause(err))
	require.NoError(t, i.SetOffset("582D3470AB12", device.SensorTemperature, -1.5))

	err = i.SetDesiredConfig("582D3470AB12", device.Config{Options: map[string]int{device.OptionCO2ASC: 5}})
	assert.True(t, errors.IsNotValid(err), errors.ErrorStack(err))
	err = i.SetDesiredConfig("582D3470AB12", device.Config{Options: map[string]int{"led": 1}})
	assert.True(t, errors.IsNotValid(err), errors.ErrorStack(err))
	require.NoError(t, i.SetDesiredConfig("582D3470AB12", device.Config{Realtime: true}))
	d, err = i.Device("582D3470AB12")
	require.NoError(t, err)
	assert.Equal(t, &device.Config{Interval: 15, Realtime: true}, d.Desired)

	assert.True(t, errors.IsNotSupported(i.RequestSettings("582D3470AB12")))
	assert.Error(t, i.SetUnits(convert.Units{TVOC: "furlong"}))
	assert.Equal(t, convert.DefaultUnits(), i.Units())
	require.NoError(t, i.SetUnits(convert.Units{System: convert.Imperial}))

	require.True(t, i.Ingest(testUp, []byte(realtime), time.Now()))
	// CGS1 has no noise sensor
	require.True(t, i.Ingest(testUp, []byte(`{"noise":{"value":40}}`), time.Now()))
	vs, err := i.Present("582D3470AB12")
	require.NoError(t, err)
	require.Len(t, vs, 2)
	for _, v := range vs {
		switch v.Code {
		case device.SensorTemperature:
			assert.Equal(t, 68.0, v.Value)
			assert.Equal(t, "°F", v.Unit)
		case device.SensorCO2:
			assert.Equal(t, 600.0, v.Value)
		default:
			t.Errorf("unexpected value %v", v)
		}
	}
	// stored reading keeps raw value
	d, err = i.Device("582D3470AB12")
	require.NoError(t, err)
	assert.Equal(t, 21.5, d.Readings[device.SensorTemperature].Value)
	assert.Contains(t, d.Readings, device.SensorNoise)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	c := testConfig("", config.DeviceConfig{MAC: "582D3470AB12", Model: "CGS1", IntervalSec: 30, Realtime: true})
	i, tr := newTest(t, c)
	require.NoError(t, i.Start(context.Background()))

	d, err := i.Device("582D3470AB12")
	require.NoError(t, err)
	assert.True(t, d.Registered)
	assert.Equal(t, device.LivenessUnknown, d.Liveness)

	tr.deliver(testUp, historic)
	require.Eventually(t, func() bool { return tr.has(testDown, `"up_itvl":"30"`) }, waitLimit, time.Millisecond)
	lp, err := i.LastPublish("582D3470AB12")
	require.NoError(t, err)
	assert.False(t, lp.IsZero())

	require.NoError(t, i.Calibrate("582D3470AB12"))
	require.Eventually(t, func() bool { return tr.has(testDown, `{"type":"29"}`) }, waitLimit, time.Millisecond)
	assert.Empty(t, i.Discoveries())

	require.NoError(t, i.Close())
	require.NoError(t, i.Close())
	tr.Lock()
	assert.True(t, tr.closed)
	tr.Unlock()
	assert.Error(t, i.Start(context.Background()))
}

func TestPersist(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	i, _ := newTest(t, testConfig(root))
	_, err := i.Register("582D3470AB12", device.ModelCGP22C, "hall")
	require.NoError(t, err)
	require.NoError(t, i.SetOffset("582D3470AB12", device.SensorCO2, 20))
	require.NoError(t, i.SetUnits(convert.Units{System: convert.Imperial, TVOC: convert.UnitPPM}))
	require.NoError(t, i.Close())

	i, _ = newTest(t, testConfig(root))
	defer i.Close()
	d, err := i.Device("582D3470AB12")
	require.NoError(t, err)
	assert.True(t, d.Registered)
	assert.Equal(t, device.ModelCGP22C, d.Model)
	assert.Equal(t, "hall", d.Name)
	assert.Equal(t, 20.0, d.Offset(device.SensorCO2))
	assert.Equal(t, convert.Units{System: convert.Imperial, TVOC: convert.UnitPPM, ETVOC: convert.UnitIndex}, i.Units())
}

func TestNewInvalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		config *config.Config
	}{
		{"broker", &config.Config{}},
		{"device", testConfig("", config.DeviceConfig{MAC: "582D3470AB12", Model: "CGS9"})},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := New(c.config, log2.NewTest(t, log2.LDebug), &fakeTransport{})
			assert.Error(t, err)
		})
	}
}
