package target

// WordSize is the width in bytes of a native word of the target process,
// assumed to match the tracer's own pointer width (4 or 8).
const WordSize = (32 << (^uint(0) >> 63)) / 8

// packWord packs up to WordSize bytes of b into a word, little-endian.
// Missing high bytes are left zero.
func packWord(b []byte) uint64 {
	if len(b) > WordSize {
		b = b[:WordSize]
	}
	var w uint64
	for i, c := range b {
		w |= uint64(c) << (8 * uint(i))
	}
	return w
}

// unpackWord unpacks the word w little-endian into b, writing at most
// WordSize bytes and returning the number of bytes written.
func unpackWord(w uint64, b []byte) int {
	n := len(b)
	if n > WordSize {
		n = WordSize
	}
	for i := 0; i < n; i++ {
		b[i] = byte(w >> (8 * uint(i)))
	}
	return n
}

// applyOffset adds a signed offset to an address, failing with
// AddressUnderflowError instead of wrapping below zero.
func applyOffset(addr uint64, offset int64) (uint64, error) {
	if offset >= 0 {
		return addr + uint64(offset), nil
	}
	mag := uint64(-offset)
	if mag > addr {
		return 0, &AddressUnderflowError{Addr: addr, Offset: offset}
	}
	return addr - mag, nil
}
