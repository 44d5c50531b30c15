package virtio

import (
	"fmt"
	"io"
	"runtime"
)

// ChainSpan is one descriptor's guest-memory span within a walked chain.
type ChainSpan struct {
	Addr   uint64
	Length uint32
}

// Chain is a walked descriptor chain, split into its readable and
// writeable spans in arrival order. Unlike the old TX/RX-only helpers it
// replaces, Chain does not reject a chain that mixes readable and
// writeable descriptors — a virtio-blk request (read-only header, then
// write-only data, then write-only status) and a 9p/virtio-wl exchange
// (read-only request, write-only reply) both need that. Dropping a Chain
// without calling Close flushes it with whatever write length has
// accumulated so far, mirroring the Rust original's Drop-based
// flush_chain.
type Chain struct {
	dev  device
	q    *queue
	head uint16

	reads  []ChainSpan
	writes []ChainSpan

	readIdx int
	readOff uint32

	writeIdx int
	writeOff uint32

	wlen   uint32
	closed bool
}

// OpenChain walks the descriptor chain starting at head and returns a
// Chain ready for reading and writing. The chain must eventually be
// closed with Close to post it to the used ring.
func OpenChain(dev device, q *queue, head uint16) (*Chain, error) {
	c := &Chain{dev: dev, q: q, head: head}
	index := head
	for i := uint16(0); i < q.size; i++ {
		desc, err := dev.readDescriptor(q, index)
		if err != nil {
			return nil, fmt.Errorf("virtio: open chain at head %d: %w", head, err)
		}
		span := ChainSpan{Addr: desc.addr, Length: desc.length}
		if desc.flags&virtqDescFWrite != 0 {
			c.writes = append(c.writes, span)
		} else {
			c.reads = append(c.reads, span)
		}
		if desc.flags&virtqDescFNext == 0 {
			break
		}
		index = desc.next
	}
	runtime.SetFinalizer(c, (*Chain).Close)
	return c, nil
}

// RemainingRead returns the number of unread bytes left in the chain's
// readable spans.
func (c *Chain) RemainingRead() uint32 {
	var n uint32
	for i := c.readIdx; i < len(c.reads); i++ {
		if i == c.readIdx {
			n += c.reads[i].Length - c.readOff
		} else {
			n += c.reads[i].Length
		}
	}
	return n
}

// RemainingWrite returns the number of unwritten bytes left in the
// chain's writeable spans.
func (c *Chain) RemainingWrite() uint32 {
	var n uint32
	for i := c.writeIdx; i < len(c.writes); i++ {
		if i == c.writeIdx {
			n += c.writes[i].Length - c.writeOff
		} else {
			n += c.writes[i].Length
		}
	}
	return n
}

// CurrentReadSlice returns up to max bytes from the chain's current read
// position without advancing it. It never spans a descriptor boundary, so
// a caller that needs more than one descriptor's worth of data should
// loop, calling IncReadOffset between reads. It returns a nil slice once
// the readable spans are exhausted.
func (c *Chain) CurrentReadSlice(max uint32) ([]byte, error) {
	if c.readIdx >= len(c.reads) {
		return nil, nil
	}
	span := c.reads[c.readIdx]
	avail := span.Length - c.readOff
	if avail == 0 {
		return nil, nil
	}
	if max < avail {
		avail = max
	}
	return c.dev.readGuest(span.Addr+uint64(c.readOff), avail)
}

// IncReadOffset advances the read cursor by n bytes, crossing descriptor
// boundaries as needed. It is an error to advance past the end of the
// readable spans.
func (c *Chain) IncReadOffset(n uint32) error {
	for n > 0 {
		if c.readIdx >= len(c.reads) {
			return fmt.Errorf("virtio: read offset past end of chain")
		}
		span := c.reads[c.readIdx]
		avail := span.Length - c.readOff
		if n < avail {
			c.readOff += n
			return nil
		}
		n -= avail
		c.readIdx++
		c.readOff = 0
	}
	return nil
}

// CurrentWriteSlice reserves up to max bytes of the chain's current
// writeable span and returns them as a zero-filled buffer; the caller
// fills it and passes it to CommitWrite. It never spans a descriptor
// boundary.
func (c *Chain) CurrentWriteSlice(max uint32) []byte {
	if c.writeIdx >= len(c.writes) {
		return nil
	}
	span := c.writes[c.writeIdx]
	avail := span.Length - c.writeOff
	if avail == 0 {
		return nil
	}
	if max < avail {
		avail = max
	}
	return make([]byte, avail)
}

// CommitWrite writes data into the chain's current writeable span,
// starting at the current write offset, and advances the cursor. len(data)
// must not exceed what CurrentWriteSlice last offered.
func (c *Chain) CommitWrite(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if c.writeIdx >= len(c.writes) {
		return fmt.Errorf("virtio: write past end of chain")
	}
	span := c.writes[c.writeIdx]
	if c.writeOff+uint32(len(data)) > span.Length {
		return fmt.Errorf("virtio: write overruns current descriptor")
	}
	if err := c.dev.writeGuest(span.Addr+uint64(c.writeOff), data); err != nil {
		return err
	}
	c.writeOff += uint32(len(data))
	c.wlen += uint32(len(data))
	if c.writeOff == span.Length {
		c.writeIdx++
		c.writeOff = 0
	}
	return nil
}

// CopyFromReader fills the chain's writeable spans with up to n bytes read
// from r, advancing the write cursor and the chain's recorded write
// length. It stops early at EOF or once the writeable spans are
// exhausted, returning the number of bytes actually copied.
func (c *Chain) CopyFromReader(r io.Reader, n uint32) (uint32, error) {
	var total uint32
	for total < n {
		buf := c.CurrentWriteSlice(n - total)
		if buf == nil {
			return total, nil
		}
		read, err := io.ReadFull(r, buf)
		if read > 0 {
			if werr := c.CommitWrite(buf[:read]); werr != nil {
				return total, werr
			}
			total += uint32(read)
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

// CurrentWriteAddr returns the absolute guest-physical address of the
// chain's current write position, or ok=false once the writeable spans are
// exhausted. It lets a caller remember a position — typically the start of
// a reply — to patch in a header once the reply's total length is known,
// the same way the 9p and virtio-wl backends compute a response size
// before they can fill in its framing.
func (c *Chain) CurrentWriteAddr() (addr uint64, ok bool) {
	if c.writeIdx >= len(c.writes) {
		return 0, false
	}
	return c.writes[c.writeIdx].Addr + uint64(c.writeOff), true
}

// WriteAtAddr writes data directly at a guest-physical address, bypassing
// the write cursor. It does not advance the cursor or the chain's
// recorded write length; callers patching a previously reserved header
// must have already accounted for those bytes via CommitWrite.
func (c *Chain) WriteAtAddr(addr uint64, data []byte) error {
	return c.dev.writeGuest(addr, data)
}

// Close posts the chain to the used ring with its accumulated write
// length. It is idempotent: calling it more than once, or letting the
// finalizer call it after an explicit Close, is safe. Use Close when a
// handler opens and finishes a chain on its own, outside
// ProcessQueueNotifications.
func (c *Chain) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	runtime.SetFinalizer(c, nil)
	return c.dev.recordUsedElement(c.q, c.head, c.wlen)
}

// Discard marks the chain finished without posting it to the used ring.
// A DescriptorProcessor run through ProcessQueueNotifications must use
// Discard, not Close: ProcessQueueNotifications posts the used element
// itself with the processor's returned length, so closing the chain too
// would record the same head twice.
func (c *Chain) Discard() {
	if c.closed {
		return
	}
	c.closed = true
	runtime.SetFinalizer(c, nil)
}
