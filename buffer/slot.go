package buffer

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/arloliu/bpstream/errs"
)

// Slot is a reserved fixed-width field whose value is written after the
// bytes that follow it are known. Each slot must be patched exactly once.
type Slot struct {
	id      uint32
	pos     int
	width   uint8
	patched bool
}

// Pos returns the offset of the slot within the buffer.
func (s Slot) Pos() int {
	return s.pos
}

// Width returns the size of the slot in bytes.
func (s Slot) Width() int {
	return int(s.width)
}

// Reserve writes width zero bytes at the cursor and returns a handle for
// patching them later. Width must be 1, 2, 4 or 8.
func (b *Buffer) Reserve(width int) (Slot, error) {
	switch width {
	case 1, 2, 4, 8:
	default:
		return Slot{}, fmt.Errorf("%w: slot width %d", errs.ErrProtocolMisuse, width)
	}

	if err := b.ensure(width); err != nil {
		return Slot{}, err
	}

	clear(b.data[b.position : b.position+width])
	s := Slot{id: b.nextSlotID, pos: b.position, width: uint8(width)} //nolint: gosec
	b.nextSlotID++
	b.slots = append(b.slots, s)
	b.advance(width)

	return s, nil
}

// PatchUint8 fills a one-byte slot.
func (b *Buffer) PatchUint8(s Slot, v uint8) error {
	i, err := b.claim(s, 1)
	if err != nil {
		return err
	}
	b.data[b.slots[i].pos] = v

	return nil
}

// PatchUint16 fills a two-byte slot.
func (b *Buffer) PatchUint16(s Slot, v uint16) error {
	i, err := b.claim(s, 2)
	if err != nil {
		return err
	}
	b.engine.PutUint16(b.data[b.slots[i].pos:], v)

	return nil
}

// PatchUint32 fills a four-byte slot.
func (b *Buffer) PatchUint32(s Slot, v uint32) error {
	i, err := b.claim(s, 4)
	if err != nil {
		return err
	}
	b.engine.PutUint32(b.data[b.slots[i].pos:], v)

	return nil
}

// PatchUint64 fills an eight-byte slot.
func (b *Buffer) PatchUint64(s Slot, v uint64) error {
	i, err := b.claim(s, 8)
	if err != nil {
		return err
	}
	b.engine.PutUint64(b.data[b.slots[i].pos:], v)

	return nil
}

// claim finds the open slot matching s and marks it patched.
func (b *Buffer) claim(s Slot, width uint8) (int, error) {
	if s.width != width {
		return 0, fmt.Errorf("%w: %d-byte patch into %d-byte slot at %d",
			errs.ErrProtocolMisuse, width, s.width, s.pos)
	}

	// slots are appended in id order; search from the end since recent
	// reservations are patched first
	for i := len(b.slots) - 1; i >= 0; i-- {
		if b.slots[i].id != s.id {
			continue
		}
		if b.slots[i].patched {
			return 0, fmt.Errorf("%w: slot at %d patched twice", errs.ErrProtocolMisuse, s.pos)
		}
		b.slots[i].patched = true

		return i, nil
	}

	return 0, fmt.Errorf("%w: unknown slot at %d", errs.ErrProtocolMisuse, s.pos)
}

// OpenSlots returns the number of reserved slots not yet patched.
func (b *Buffer) OpenSlots() int {
	n := 0
	for _, s := range b.slots {
		if !s.patched {
			n++
		}
	}

	return n
}

// CheckSlots reports every reserved slot that was never patched.
func (b *Buffer) CheckSlots() error {
	var result *multierror.Error
	for _, s := range b.slots {
		if !s.patched {
			result = multierror.Append(result,
				fmt.Errorf("%w: %d-byte slot at %d never patched", errs.ErrProtocolMisuse, s.width, s.pos))
		}
	}

	return result.ErrorOrNil()
}

// ForgetSlots drops bookkeeping for slots that are all patched, keeping open ones.
func (b *Buffer) ForgetSlots() {
	kept := b.slots[:0]
	for _, s := range b.slots {
		if !s.patched {
			kept = append(kept, s)
		}
	}
	b.slots = kept
}
