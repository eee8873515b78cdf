package target

// Reader is a sequential cursor over the memory of an attached process.
//
// A Reader holds the exclusive memory borrow of its Process: while it is
// open no other Reader or Writer can be created and the Process's own
// memory operations fail with ErrStreamActive. Call Close to release the
// borrow; a Reader has no buffered state to flush.
//
// Every Read produces exactly the window length agreed at construction, by
// issuing word reads in word-sized strides and unpacking each word
// little-endian. A trailing partial stride still reads a full word from the
// target and copies only the needed leading bytes.
type Reader struct {
	p *Process

	addr    uint64
	length  int
	advance bool
}

// Reader returns a sequential reader over the target's memory, good for
// length bytes per call, starting at an absolute address.
func (p *Process) Reader(addr uint64, length int) (*Reader, error) {
	if err := p.memOK(); err != nil {
		return nil, err
	}
	p.streamOpen = true
	return &Reader{p: p, addr: addr, length: length, advance: true}, nil
}

// ReaderOffset is Reader starting at base + offset, resolving the base
// address on first use.
func (p *Process) ReaderOffset(offset int64, length int) (*Reader, error) {
	if err := p.memOK(); err != nil {
		return nil, err
	}
	addr, err := p.offsetAddr(offset)
	if err != nil {
		return nil, err
	}
	return p.Reader(addr, length)
}

// NoAdvance makes successive reads return the same window instead of moving
// the cursor forward. It returns the Reader for chaining.
func (r *Reader) NoAdvance() *Reader {
	r.advance = false
	return r
}

// Read fills buf with the reader's fixed window, returning the number of
// bytes produced. buf must have room for the whole window; a shorter buffer
// fails with BufferTooSmallError rather than truncating.
//
// If the reader advances, the cursor moves forward by the bytes produced.
func (r *Reader) Read(buf []byte) (int, error) {
	if r.p == nil {
		return 0, ErrProcessDetached
	}
	if len(buf) < r.length {
		return 0, &BufferTooSmallError{Need: r.length, Have: len(buf)}
	}
	for i := 0; i < r.length; i += WordSize {
		word, err := r.p.readWord(r.addr + uint64(i))
		if err != nil {
			return 0, err
		}
		end := i + WordSize
		if end > r.length {
			end = r.length
		}
		unpackWord(word, buf[i:end])
	}
	if r.advance {
		r.addr += uint64(r.length)
	}
	return r.length, nil
}

// Goto repositions the cursor to an absolute address without reading.
func (r *Reader) Goto(addr uint64) {
	r.addr = addr
}

// GotoRelative moves the cursor by a signed offset without reading.
// Offsets never wrap below zero.
func (r *Reader) GotoRelative(offset int64) error {
	addr, err := applyOffset(r.addr, offset)
	if err != nil {
		return err
	}
	r.addr = addr
	return nil
}

// Addr returns the current read position.
func (r *Reader) Addr() uint64 { return r.addr }

// Stop pauses the underlying process; see Process.Stop. Provided so a
// caller holding the stream borrow does not need a second access path.
func (r *Reader) Stop() error { return r.p.Stop() }

// Continue resumes the underlying process; see Process.Continue.
func (r *Reader) Continue() error { return r.p.Continue() }

// Base returns the cached base address of the underlying process.
func (r *Reader) Base() (uint64, error) { return r.p.Base() }

// Close releases the exclusive borrow on the Process. Reads after Close
// fail.
func (r *Reader) Close() error {
	if r.p == nil {
		return nil
	}
	r.p.streamOpen = false
	r.p = nil
	return nil
}
