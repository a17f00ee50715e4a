// Package tlv implements Qingping binary protocol: "CG" framed sequence of
// tag-length-value entries with little-endian 16 bit lengths.
//
// Codec is pure structure. Meaning of tags (scale, signedness) belongs to
// per-model tables in internal/device.
package tlv

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/juju/errors"
)

const (
	EntryHeaderSize = 1 /*tag*/ + 2 /*length*/
	MaxValueLen     = math.MaxUint16
)

var (
	ErrFrameTruncated = fmt.Errorf("tlv: declared length exceeds buffer")
	ErrValueOverflow  = fmt.Errorf("tlv: value is too large")
)

type Tag byte

func (t Tag) String() string { return fmt.Sprintf("%02x", byte(t)) }

// Entry values returned by Decode alias the input buffer.
// Empty value is always nil.
type Entry struct {
	Tag   Tag
	Value []byte
}

func (e Entry) Len() int { return len(e.Value) }

func (e Entry) Equal(e2 Entry) bool {
	return e.Tag == e2.Tag && bytes.Equal(e.Value, e2.Value)
}

func (e Entry) String() string {
	return fmt.Sprintf("%s:%x", e.Tag, e.Value)
}

type Entries []Entry

func (es Entries) String() string {
	ss := make([]string, len(es))
	for i, e := range es {
		ss[i] = e.String()
	}
	return "[" + strings.Join(ss, " ") + "]"
}

// Decode single pass over b, every entry length is checked against
// remaining buffer. Unknown tags are kept.
func Decode(b []byte) (Entries, error) {
	var es Entries
	for i := 0; i < len(b); {
		if len(b)-i < EntryHeaderSize {
			return nil, errors.Annotatef(ErrFrameTruncated, "entry header offset=%d remaining=%d", i, len(b)-i)
		}
		tag := Tag(b[i])
		length := int(binary.LittleEndian.Uint16(b[i+1:]))
		i += EntryHeaderSize
		if length > len(b)-i {
			return nil, errors.Annotatef(ErrFrameTruncated, "tag=%s length=%d remaining=%d", tag, length, len(b)-i)
		}
		e := Entry{Tag: tag}
		if length != 0 {
			e.Value = b[i : i+length : i+length]
		}
		es = append(es, e)
		i += length
	}
	return es, nil
}

// Encode is the exact inverse of Decode.
func Encode(es []Entry) ([]byte, error) {
	return AppendEncode(make([]byte, 0, EncodedLen(es)), es)
}

func AppendEncode(dst []byte, es []Entry) ([]byte, error) {
	for _, e := range es {
		if len(e.Value) > MaxValueLen {
			return nil, errors.Annotatef(ErrValueOverflow, "tag=%s length=%d", e.Tag, len(e.Value))
		}
		var h [EntryHeaderSize]byte
		h[0] = byte(e.Tag)
		binary.LittleEndian.PutUint16(h[1:], uint16(len(e.Value)))
		dst = append(dst, h[:]...)
		dst = append(dst, e.Value...)
	}
	return dst, nil
}

func EncodedLen(es []Entry) int {
	n := 0
	for _, e := range es {
		n += EntryHeaderSize + len(e.Value)
	}
	return n
}

func FormatHex(b []byte) string { return hex.EncodeToString(b) }
