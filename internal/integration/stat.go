package integration

import (
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/internal/decode"
	"github.com/zlobober/qingping-cgs1/internal/tele"
	"github.com/zlobober/qingping-cgs1/tlv"
)

type Stat struct {
	Received        uint64
	Decoded         uint64
	DropUnsupported uint64
	DropTruncated   uint64
	DropInvalid     uint64
	DropOther       uint64
	Devices         int
	Outbox          tele.OutboxStat
}

// ingestStat mirrors instance counters into process expvar map
type ingestStat struct{ Stat }

func (s *ingestStat) add(p *uint64, name string) {
	atomic.AddUint64(p, 1)
	stats.Add(name, 1)
}

func (s *ingestStat) drop(err error) {
	cause := errors.Cause(err)
	switch {
	case cause == decode.ErrUnsupportedFormat:
		s.add(&s.DropUnsupported, "drop_unsupported")
	case cause == tlv.ErrFrameTruncated:
		s.add(&s.DropTruncated, "drop_truncated")
	case errors.IsNotValid(err) || cause == tlv.ErrFrameInvalid:
		s.add(&s.DropInvalid, "drop_invalid")
	default:
		s.add(&s.DropOther, "drop_other")
	}
}

func (s *ingestStat) get() Stat {
	return Stat{
		Received:        atomic.LoadUint64(&s.Received),
		Decoded:         atomic.LoadUint64(&s.Decoded),
		DropUnsupported: atomic.LoadUint64(&s.DropUnsupported),
		DropTruncated:   atomic.LoadUint64(&s.DropTruncated),
		DropInvalid:     atomic.LoadUint64(&s.DropInvalid),
		DropOther:       atomic.LoadUint64(&s.DropOther),
	}
}
