package tlv

// Little-endian integer helpers for value bytes of any width up to 8.

func Uint(b []byte) uint64 {
	if len(b) > 8 {
		b = b[:8]
	}
	var x uint64
	for i := len(b) - 1; i >= 0; i-- {
		x = x<<8 | uint64(b[i])
	}
	return x
}

// Int sign-extends from len(b)*8 bits.
func Int(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	if len(b) > 8 {
		b = b[:8]
	}
	u := Uint(b)
	shift := uint(64 - 8*len(b))
	return int64(u<<shift) >> shift
}

func PutUint(b []byte, x uint64) {
	for i := range b {
		b[i] = byte(x)
		x >>= 8
	}
}

func U8(x uint8) []byte { return []byte{x} }

func U16(x uint16) []byte {
	b := make([]byte, 2)
	PutUint(b, uint64(x))
	return b
}

func I16(x int16) []byte { return U16(uint16(x)) }

func U32(x uint32) []byte {
	b := make([]byte, 4)
	PutUint(b, uint64(x))
	return b
}

func Bool(x bool) []byte {
	if x {
		return []byte{1}
	}
	return []byte{0}
}
