package target

import (
	"runtime"

	"github.com/memtap/memtap/pkg/logflags"
)

// Writer is a buffered sequential cursor over the memory of an attached
// process.
//
// Write never touches the target; bytes accumulate in a pending buffer that
// is applied to memory by Flush. A Writer holds the exclusive memory borrow
// of its Process; Close flushes and releases it. A Writer that goes out of
// scope with pending bytes is flushed automatically; a failure on that path
// aborts, since there is no caller left to report the error to.
type Writer struct {
	p *Process

	addr    uint64
	pending []byte
	advance bool
}

// Writer returns a buffered sequential writer over the target's memory,
// starting at an absolute address.
func (p *Process) Writer(addr uint64) (*Writer, error) {
	if err := p.memOK(); err != nil {
		return nil, err
	}
	p.streamOpen = true
	w := &Writer{p: p, addr: addr, advance: true}
	runtime.SetFinalizer(w, finalizeWriter)
	return w, nil
}

// WriterOffset is Writer starting at base + offset, resolving the base
// address on first use.
func (p *Process) WriterOffset(offset int64) (*Writer, error) {
	if err := p.memOK(); err != nil {
		return nil, err
	}
	addr, err := p.offsetAddr(offset)
	if err != nil {
		return nil, err
	}
	return p.Writer(addr)
}

func finalizeWriter(w *Writer) {
	if w.p == nil {
		return
	}
	if err := w.Close(); err != nil {
		logflags.TargetLogger().Errorf("automatic flush of abandoned writer at %#x failed: %v", w.addr, err)
		panic("memtap: failed to flush abandoned memory writer")
	}
}

// NoAdvance keeps the cursor in place across flushes instead of moving it
// forward by the bytes flushed. It returns the Writer for chaining.
func (w *Writer) NoAdvance() *Writer {
	w.advance = false
	return w
}

// Write appends p to the pending buffer. It never fails and never touches
// the target's memory; call Flush to apply.
func (w *Writer) Write(p []byte) (int, error) {
	if w.p == nil {
		return 0, ErrProcessDetached
	}
	w.pending = append(w.pending, p...)
	return len(p), nil
}

// Pending returns the number of buffered bytes not yet flushed.
func (w *Writer) Pending() int { return len(w.pending) }

// Addr returns the current write position.
func (w *Writer) Addr() uint64 { return w.addr }

// Flush applies the pending buffer to the target's memory and clears it.
// The target is paused first and left paused.
//
// The buffer is partitioned into full word-sized chunks, each packed
// little-endian and written in place. A trailing partial chunk of k bytes
// must not clobber the untouched tail of its destination word: the existing
// word is read back, its low k bytes are masked out, the packed partial
// value is ORed in and the merged word is written. Flushing an empty buffer
// is a no-op.
func (w *Writer) Flush() error {
	if w.p == nil {
		return ErrProcessDetached
	}
	if len(w.pending) == 0 {
		return nil
	}
	if err := w.p.stopForWrite(); err != nil {
		return err
	}

	full := len(w.pending) / WordSize
	for i := 0; i < full; i++ {
		word := packWord(w.pending[i*WordSize:])
		if err := w.p.writeWord(w.addr+uint64(i*WordSize), word); err != nil {
			return err
		}
	}

	if rem := len(w.pending) % WordSize; rem != 0 {
		last := w.addr + uint64(full*WordSize)
		existing, err := w.p.readWord(last)
		if err != nil {
			return err
		}
		keep := existing &^ ((uint64(1) << (8 * uint(rem))) - 1)
		merged := keep | packWord(w.pending[full*WordSize:])
		if err := w.p.writeWord(last, merged); err != nil {
			return err
		}
	}

	n := len(w.pending)
	w.pending = w.pending[:0]
	if w.advance {
		w.addr += uint64(n)
	}
	return nil
}

// Stop pauses the underlying process; see Process.Stop.
func (w *Writer) Stop() error { return w.p.Stop() }

// Continue resumes the underlying process; see Process.Continue.
func (w *Writer) Continue() error { return w.p.Continue() }

// Base returns the cached base address of the underlying process.
func (w *Writer) Base() (uint64, error) { return w.p.Base() }

// Close flushes any pending bytes and releases the exclusive borrow on the
// Process. The pending buffer is always empty after a successful Close.
func (w *Writer) Close() error {
	if w.p == nil {
		return nil
	}
	runtime.SetFinalizer(w, nil)
	err := w.Flush()
	w.p.streamOpen = false
	w.p = nil
	return err
}
