package tele

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
	"github.com/zlobober/qingping-cgs1/helpers"
	"github.com/zlobober/qingping-cgs1/log2"
)

// MemoryOutbox keeps queue in memory, entries are lost on restart.
const MemoryOutbox = spq.OnlyForTesting

// denote value type in persistent queue bytes form
const (
	entryPublish uint64 = 1
)

type OutboxStat struct {
	Pushed  uint64
	Sent    uint64
	Retried uint64
	Dropped uint64
}

// Outbox contract:
// - Push blocks at most for disk write, broker may be unreachable
// - entries are published in push order, at least once
// - failed publish is moved to tail and retried after backoff
// - Close does not wait for delivery, undelivered entries stay on disk
type Outbox struct {
	log     *log2.Log
	q       *spq.Queue
	pub     Publisher
	timeout time.Duration
	backoff helpers.Backoff
	stat    OutboxStat
}

func OpenOutbox(log *log2.Log, path string, pub Publisher, timeout time.Duration) (*Outbox, error) {
	if path == "" {
		path = MemoryOutbox
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "tele outbox path=%s", path)
	}
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}
	return &Outbox{
		log:     log,
		q:       q,
		pub:     pub,
		timeout: timeout,
		backoff: helpers.Backoff{Min: 500 * time.Millisecond, Max: time.Minute},
	}, nil
}

func (o *Outbox) Push(topic string, payload []byte) error {
	b, err := encodeEntry(topic, payload)
	if err != nil {
		return err
	}
	if err = o.q.Push(b); err != nil {
		return errors.Annotate(err, "tele outbox push")
	}
	atomic.AddUint64(&o.stat.Pushed, 1)
	return nil
}

// Close unblocks Run.
func (o *Outbox) Close() error { return o.q.Close() }

func (o *Outbox) Stat() OutboxStat {
	return OutboxStat{
		Pushed:  atomic.LoadUint64(&o.stat.Pushed),
		Sent:    atomic.LoadUint64(&o.stat.Sent),
		Retried: atomic.LoadUint64(&o.stat.Retried),
		Dropped: atomic.LoadUint64(&o.stat.Dropped),
	}
}

// Run delivers entries until a is stopped and Close is called.
// Caller must a.Add(1) before.
func (o *Outbox) Run(a *alive.Alive) {
	defer a.Done()
	stopch := a.StopChan()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopch:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		box, err := o.q.Peek()
		switch err {
		case nil:
			// success path
			if !o.handle(ctx, box) && !helpers.SleepStop(stopch, o.backoff.Delay()) {
				return
			}

		case spq.ErrClosed:
			select {
			case <-stopch:
			default:
				o.log.Errorf("CRITICAL tele outbox closed unexpectedly")
			}
			return

		default:
			o.log.Errorf("CRITICAL tele outbox err=%v", err)
			if !helpers.SleepStop(stopch, time.Second) {
				return
			}
		}
	}
}

// handle returns false when entry is moved to tail for retry
func (o *Outbox) handle(ctx context.Context, box spq.Box) bool {
	b := box.Bytes()
	topic, payload, err := decodeEntry(b)
	if err != nil {
		// retry will not help
		o.log.Errorf("tele outbox drop b=%x err=%v", b, err)
		atomic.AddUint64(&o.stat.Dropped, 1)
		o.delete(box)
		return true
	}

	pctx, cancel := context.WithTimeout(ctx, o.timeout)
	err = o.pub.Publish(pctx, topic, payload)
	cancel()
	o.backoff.Record(err)
	if err == nil {
		atomic.AddUint64(&o.stat.Sent, 1)
		o.delete(box)
		return true
	}

	o.log.Errorf("tele outbox publish topic=%s err=%v", topic, err)
	atomic.AddUint64(&o.stat.Retried, 1)
	if err = o.q.DeletePush(box); err != nil && err != spq.ErrClosed {
		o.log.Errorf("tele outbox DeletePush b=%x err=%v", b, err)
	}
	return false
}

func (o *Outbox) delete(box spq.Box) {
	if err := o.q.Delete(box); err != nil && err != spq.ErrClosed {
		o.log.Errorf("tele outbox Delete err=%v", err)
	}
}

func encodeEntry(topic string, payload []byte) ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, 16+len(topic)+len(payload)))
	if err := buf.EncodeVarint(entryPublish); err != nil {
		return nil, err
	}
	if err := buf.EncodeStringBytes(topic); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (string, []byte, error) {
	if len(b) == 0 {
		return "", nil, errors.NotValidf("tele outbox entry empty")
	}
	buf := proto.NewBuffer(b)
	kind, err := buf.DecodeVarint()
	if err != nil {
		return "", nil, errors.Annotate(err, "tele outbox entry kind")
	}
	if kind != entryPublish {
		return "", nil, errors.NotValidf("tele outbox entry kind=%d", kind)
	}
	topic, err := buf.DecodeStringBytes()
	if err != nil {
		return "", nil, errors.Annotate(err, "tele outbox entry topic")
	}
	payload, err := buf.DecodeRawBytes(true)
	if err != nil {
		return "", nil, errors.Annotate(err, "tele outbox entry payload")
	}
	return topic, payload, nil
}
