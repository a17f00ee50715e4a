package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/zlobober/qingping-cgs1/helpers"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/store"
	"github.com/zlobober/qingping-cgs1/log2"
	"github.com/zlobober/qingping-cgs1/tlv"
)

const testMAC = device.MAC("582D3470AB12")

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type message struct {
	topic   string
	payload string
}

type mockPublisher struct {
	sync.Mutex
	sent []message
	fail int
}

func (p *mockPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.Lock()
	defer p.Unlock()
	if p.fail > 0 {
		p.fail--
		return fmt.Errorf("broker unavailable")
	}
	p.sent = append(p.sent, message{topic, string(payload)})
	return nil
}

func (p *mockPublisher) count() int {
	p.Lock()
	defer p.Unlock()
	return len(p.sent)
}

func newTest(t testing.TB, model device.Model, c device.Config) (*store.Store, *mockPublisher, *Reconciler) {
	log := log2.NewTest(t, log2.LDebug)
	st := store.New(log)
	_, err := st.Register(testMAC, model, "")
	require.NoError(t, err)
	_, err = st.SetDesired(testMAC, c)
	require.NoError(t, err)
	st.Upsert(testMAC, nil, nil, t0)
	pub := &mockPublisher{}
	r := New(log, st, pub, Config{Retry: 2})
	r.now = func() time.Time { return t0 }
	return st, pub, r
}

func TestConvergenceJSON(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	desired := device.Config{Interval: 30, Realtime: true, Options: map[string]int{device.OptionCO2ASC: 0}}
	st, pub, r := newTest(t, device.ModelCGS1, desired)

	require.NoError(t, r.Cycle(ctx))
	require.Equal(t, 1, pub.count())
	assert.Equal(t, "qingping/582D3470AB12/down", pub.sent[0].topic)
	assert.JSONEq(t, `{"type":"12","up_itvl":"30","duration":"86400","setting":{"co2_asc":0}}`, pub.sent[0].payload)
	assert.Equal(t, t0, r.LastPublish(testMAC).UTC())

	// unacknowledged: same message again
	require.NoError(t, r.Cycle(ctx))
	require.Equal(t, 2, pub.count())
	assert.Equal(t, pub.sent[0], pub.sent[1])

	st.Upsert(testMAC, nil, &device.Metadata{
		Report: device.ReportRealtime,
		Reported: device.Reported{
			Realtime: device.BoolPtr(true),
			Interval: device.IntPtr(30),
			Options:  map[string]int{device.OptionCO2ASC: 0},
		},
	}, t0.Add(time.Second))
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Cycle(ctx))
	}
	assert.Equal(t, 2, pub.count(), "converged device must not get more messages")

	// desired change resumes publishing
	desired.Interval = 60
	_, err := st.SetDesired(testMAC, desired)
	require.NoError(t, err)
	require.NoError(t, r.Cycle(ctx))
	require.Equal(t, 3, pub.count())
	assert.Contains(t, pub.sent[2].payload, `"up_itvl":"60"`)
}

func TestConvergenceImplicitAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, pub, r := newTest(t, device.ModelCGDN1, device.Config{Interval: 15, Realtime: true})

	require.NoError(t, r.Cycle(ctx))
	require.Equal(t, 1, pub.count())
	st.Upsert(testMAC, nil, &device.Metadata{Report: device.ReportRealtime, Reported: device.Reported{Realtime: device.BoolPtr(true)}}, t0.Add(time.Second))
	require.NoError(t, r.Cycle(ctx))
	assert.Equal(t, 1, pub.count())

	// realtime window expired, device reports historic data, flag flips
	st.Upsert(testMAC, nil, &device.Metadata{Report: device.ReportHistoric, Reported: device.Reported{Realtime: device.BoolPtr(false)}}, t0.Add(24*time.Hour))
	require.NoError(t, r.Cycle(ctx))
	assert.Equal(t, 2, pub.count())
}

func TestConvergenceTLV(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	desired := device.Config{Interval: 600, Options: map[string]int{device.OptionCO2ASC: 1, device.OptionLED: 0}}
	st, pub, r := newTest(t, device.ModelCGP22C, desired)

	require.NoError(t, r.Cycle(ctx))
	require.Equal(t, 2, pub.count())
	f, err := tlv.ParseFrame([]byte(pub.sent[0].payload))
	require.NoError(t, err)
	assert.Equal(t, tlv.CommandSettings, f.Command)
	assert.True(t, f.ChecksumValid)
	assert.Equal(t, tlv.Entries{
		{Tag: device.TagReportInterval, Value: tlv.U16(10)},
		{Tag: device.TagCO2ASC, Value: []byte{1}},
		{Tag: device.TagLED, Value: []byte{0}},
	}, f.Entries)
	assert.Equal(t, helpers.MustHex("43470100008b00"), []byte(pub.sent[1].payload))

	// settings echo from device
	st.Upsert(testMAC, nil, &device.Metadata{Reported: device.Reported{
		Interval: device.IntPtr(600),
		Options:  map[string]int{device.OptionCO2ASC: 1, device.OptionLED: 0, device.OptionCollectInterval: 60},
	}}, t0.Add(time.Second))
	require.NoError(t, r.Cycle(ctx))
	assert.Equal(t, 2, pub.count())
}

func TestSkip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := log2.NewTest(t, log2.LDebug)
	st := store.New(log)
	pub := &mockPublisher{}
	r := New(log, st, pub, Config{})

	// discovered, not registered
	st.Upsert("AABBCCDDEEFF", nil, nil, t0)
	// registered, no desired config
	_, err := st.Register("AABBCCDDEE00", device.ModelCGS1, "")
	require.NoError(t, err)
	st.Upsert("AABBCCDDEE00", nil, nil, t0)
	// desired config, never seen
	_, err = st.Register(testMAC, device.ModelCGS2, "")
	require.NoError(t, err)
	_, err = st.SetDesired(testMAC, device.Config{Interval: 15})
	require.NoError(t, err)

	require.NoError(t, r.Cycle(ctx))
	assert.Equal(t, 0, pub.count())
	assert.True(t, r.LastPublish(testMAC).IsZero())

	_, err = r.Reconcile(ctx, "000000000000")
	assert.True(t, errors.IsNotFound(err))
}

func TestPublishRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, pub, r := newTest(t, device.ModelCGS1, device.Config{Interval: 15})

	pub.fail = 1
	ok, err := r.Reconcile(ctx, testMAC)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, pub.count())

	pub.fail = 5
	err = r.Cycle(ctx)
	require.Error(t, err)
	assert.Equal(t, ErrConfigPublish, errors.Cause(err))
	assert.Equal(t, 3, pub.fail, "two attempts per cycle")

	// retried next cycle
	pub.fail = 0
	require.NoError(t, r.Cycle(ctx))
	assert.Equal(t, 2, pub.count())
}

// stallPublisher succeeds pass times, then waits like client with broker down.
type stallPublisher struct {
	pass  int32
	calls int32
}

func (p *stallPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if atomic.AddInt32(&p.calls, 1) <= p.pass {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestPublishTimeout(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		model       device.Model
		desired     device.Config
		pass        int32
		expectErr   bool
		expectCalls int32
	}{
		{"config", device.ModelCGS1, device.Config{Interval: 30}, 0, true, 2},
		{"request-settings", device.ModelCGP22C, device.Config{Interval: 600}, 1, false, 2},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			st, _, _ := newTest(t, c.model, c.desired)
			pub := &stallPublisher{pass: c.pass}
			r := New(log2.NewTest(t, log2.LDebug), st, pub, Config{Retry: 2, Timeout: 20 * time.Millisecond})

			done := make(chan error, 1)
			go func() { done <- r.Cycle(context.Background()) }()
			select {
			case err := <-done:
				if c.expectErr {
					require.Error(t, err)
					assert.Equal(t, ErrConfigPublish, errors.Cause(err))
				} else {
					assert.NoError(t, err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("cycle blocked on stalled publisher")
			}
			assert.Equal(t, c.expectCalls, atomic.LoadInt32(&pub.calls))
		})
	}
}

func TestRunNudgeStop(t *testing.T) {
	t.Parallel()
	st, pub, r := newTest(t, device.ModelCGS1, device.Config{Interval: 15})
	r.config.Period = time.Hour

	a := alive.NewAlive()
	require.True(t, a.Add(1))
	go r.Run(a)
	// initial cycle
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)

	r.Nudge(testMAC)
	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, time.Millisecond)

	a.Stop()
	select {
	case <-a.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
	// no publishing after teardown
	r.Nudge(testMAC)
	_, err := st.SetDesired(testMAC, device.Config{Interval: 20})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, pub.count())
}

func TestPayload(t *testing.T) {
	t.Parallel()

	b, err := ConfigPayload(device.Lookup(device.ModelCGDN1), device.Config{Interval: 15, Options: map[string]int{
		device.OptionNightModeStart: 1320, device.OptionTimezone: -5,
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"12","up_itvl":"15","duration":"0","setting":{"night_mode_start_time":1320,"timezone":-5}}`, string(b))

	// interval rounded up to whole minutes
	b, err = ConfigPayload(device.Lookup(device.ModelCGR1W), device.Config{Interval: 61})
	require.NoError(t, err)
	f, err := tlv.ParseFrame(b)
	require.NoError(t, err)
	assert.Equal(t, tlv.Entries{{Tag: device.TagReportInterval, Value: tlv.U16(2)}}, f.Entries)

	_, err = ConfigPayload(device.Lookup(device.ModelUnknown), device.Config{})
	assert.True(t, errors.IsNotSupported(err))

	b, err = CalibratePayload(device.Lookup(device.ModelCGS2))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"29"}`, string(b))
	_, err = CalibratePayload(device.Lookup(device.ModelCGP22C))
	assert.True(t, errors.IsNotSupported(err))

	b, err = RequestSettingsPayload(device.Lookup(device.ModelCGR1PW))
	require.NoError(t, err)
	assert.Equal(t, helpers.MustHex("43470100008b00"), b)
	_, err = RequestSettingsPayload(device.Lookup(device.ModelCGS1))
	assert.True(t, errors.IsNotSupported(err))
}
