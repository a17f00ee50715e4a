package tlv

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/juju/errors"
)

// Frame wraps entries with header
// "CG" magic, command, u16le payload length, payload, optional u16le checksum.
const (
	FrameHeaderSize = 2 /*magic*/ + 1 /*command*/ + 2 /*length*/
	ChecksumSize    = 2
)

var FrameMagic = [2]byte{'C', 'G'}

var ErrFrameInvalid = fmt.Errorf("tlv: frame is invalid")

type Command byte

const (
	CommandRequestSettings Command = 0x01
	CommandSettings        Command = 0x02
)

func (c Command) String() string { return fmt.Sprintf("%02x", byte(c)) }

type Frame struct {
	Command Command
	Entries Entries

	// set by ParseFrame
	HasChecksum   bool
	ChecksumValid bool
}

// IsFrame only checks magic, use as cheap classifier.
func IsFrame(b []byte) bool {
	return len(b) >= 2 && b[0] == FrameMagic[0] && b[1] == FrameMagic[1]
}

// Checksum is sum of all bytes, low 16 bits.
func Checksum(b []byte) uint16 {
	var sum uint32
	for _, x := range b {
		sum += uint32(x)
	}
	return uint16(sum & 0xffff)
}

func ParseFrame(b []byte) (*Frame, error) {
	if !IsFrame(b) {
		return nil, errors.Annotatef(ErrFrameInvalid, "magic=%x", b[:minInt(2, len(b))])
	}
	if len(b) < FrameHeaderSize {
		return nil, errors.Annotatef(ErrFrameTruncated, "header length=%d", len(b))
	}
	f := &Frame{Command: Command(b[2])}
	plen := int(binary.LittleEndian.Uint16(b[3:]))
	rest := b[FrameHeaderSize:]
	if plen > len(rest) {
		return nil, errors.Annotatef(ErrFrameTruncated, "payload length=%d remaining=%d", plen, len(rest))
	}
	es, err := Decode(rest[:plen])
	if err != nil {
		return nil, errors.Annotatef(err, "frame command=%s", f.Command)
	}
	f.Entries = es
	if tail := rest[plen:]; len(tail) >= ChecksumSize {
		f.HasChecksum = true
		f.ChecksumValid = binary.LittleEndian.Uint16(tail) == Checksum(b[:FrameHeaderSize+plen])
	}
	return f, nil
}

// Bytes always appends checksum.
func (f *Frame) Bytes() ([]byte, error) {
	plen := EncodedLen(f.Entries)
	if plen > math.MaxUint16 {
		return nil, errors.Annotatef(ErrValueOverflow, "frame payload length=%d", plen)
	}
	b := make([]byte, FrameHeaderSize, FrameHeaderSize+plen+ChecksumSize)
	b[0], b[1] = FrameMagic[0], FrameMagic[1]
	b[2] = byte(f.Command)
	binary.LittleEndian.PutUint16(b[3:], uint16(plen))
	b, err := AppendEncode(b, f.Entries)
	if err != nil {
		return nil, err
	}
	var sum [ChecksumSize]byte
	binary.LittleEndian.PutUint16(sum[:], Checksum(b))
	return append(b, sum[:]...), nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("<Frame cmd=%s entries=%s>", f.Command, f.Entries)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
