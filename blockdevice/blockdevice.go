// Package blockdevice provides the consumer-facing facade: arbitrary
// offset/length reads and writes decomposed into whole-block cache
// operations, plus the ioctl surface a log-structured filesystem expects.
package blockdevice

import (
	"github.com/jornamon/mp-sdcard-littleFS/sderr"
)

const blockSize = 512

// Ioctl operation codes (spec.md §4.3).
const (
	IoctlSync       = 3
	IoctlBlockCount = 4
	IoctlBlockSize  = 5
	IoctlErase      = 6
)

// Cache is the narrow capability the facade needs from the cache layer.
type Cache interface {
	Get(blockNum uint32, out []byte) error
	Put(blockNum uint32, in []byte) error
	Sync() error
	Erase(blockNum uint32) error
}

// Stats counts whether readblocks/writeblocks calls arrived block-aligned
// or required partial-block staging (SPEC_FULL.md §7.1), the Go analogue of
// sdcard_lfs.py's Stats.collect(aligned=...) bucketing, without that
// version's print-based reporting, which spec.md excludes from the core.
type Stats struct {
	AlignedReads     uint64
	MisalignedReads  uint64
	AlignedWrites    uint64
	MisalignedWrites uint64
}

// Device is the block-device facade in front of a Cache. It owns a single
// 512-byte scratch buffer for partial-block staging, never aliased by the
// cache (spec.md §4.3).
type Device struct {
	cache   Cache
	sectors uint32
	scratch [blockSize]byte
	stats   Stats
}

// New constructs a Device in front of cache, reporting sectors as the
// card's block count (used to bound Ioctl(6, arg)).
func New(cache Cache, sectors uint32) *Device {
	return &Device{cache: cache, sectors: sectors}
}

// Stats returns a snapshot of the facade's alignment counters.
func (d *Device) Stats() Stats { return d.stats }

// recordAlignment mirrors sdcard_lfs.py's aligned = offset == 0 and
// (offset+len(buf)) % 512 == 0, evaluated after offset has already been
// folded into blockNum by normalize.
func recordAlignment(offset, length int) bool {
	return offset == 0 && (offset+length)%blockSize == 0
}

// normalize folds offset into blockNum per spec.md §4.3 steps 1-2: reject
// negative offsets, then block_num += offset/512; offset %= 512.
func normalize(blockNum uint32, offset int) (uint32, int, error) {
	if offset < 0 {
		return 0, 0, sderr.ErrBadArgument
	}
	blockNum += uint32(offset / blockSize)
	offset %= blockSize
	return blockNum, offset, nil
}

// checkRange refuses a request whose blocks would run at or past sectors
// (spec.md §3: "a block whose block_num >= sectors is never inserted").
func (d *Device) checkRange(blockNum uint32, nblocks int) error {
	if uint64(blockNum)+uint64(nblocks) > uint64(d.sectors) {
		return sderr.ErrBadArgument
	}
	return nil
}

// ReadBlocks reads len(buf) bytes starting at blockNum*512 + offset
// (spec.md §4.3 readblocks).
func (d *Device) ReadBlocks(blockNum uint32, buf []byte, offset int) error {
	blockNum, offset, err := normalize(blockNum, offset)
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return sderr.ErrBadArgument
	}

	nblocks := (offset + len(buf) + blockSize - 1) / blockSize
	if err := d.checkRange(blockNum, nblocks); err != nil {
		return err
	}
	if recordAlignment(offset, len(buf)) {
		d.stats.AlignedReads++
	} else {
		d.stats.MisalignedReads++
	}

	if nblocks == 1 {
		if err := d.cache.Get(blockNum, d.scratch[:]); err != nil {
			return err
		}
		copy(buf, d.scratch[offset:offset+len(buf)])
		return nil
	}

	k := 0
	cur := blockNum
	if offset > 0 {
		if err := d.cache.Get(cur, d.scratch[:]); err != nil {
			return err
		}
		n := copy(buf[k:], d.scratch[offset:blockSize])
		k += n
		cur++
	}
	for len(buf)-k >= blockSize {
		if err := d.cache.Get(cur, buf[k:k+blockSize]); err != nil {
			return err
		}
		k += blockSize
		cur++
	}
	if rem := len(buf) - k; rem > 0 {
		if err := d.cache.Get(cur, d.scratch[:]); err != nil {
			return err
		}
		copy(buf[k:], d.scratch[:rem])
	}
	return nil
}

// WriteBlocks writes len(buf) bytes starting at blockNum*512 + offset
// (spec.md §4.3 writeblocks).
func (d *Device) WriteBlocks(blockNum uint32, buf []byte, offset int) error {
	blockNum, offset, err := normalize(blockNum, offset)
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return sderr.ErrBadArgument
	}

	nblocks := (offset + len(buf) + blockSize - 1) / blockSize
	if err := d.checkRange(blockNum, nblocks); err != nil {
		return err
	}
	if recordAlignment(offset, len(buf)) {
		d.stats.AlignedWrites++
	} else {
		d.stats.MisalignedWrites++
	}

	if nblocks == 1 {
		if offset == 0 && len(buf) == blockSize {
			return d.cache.Put(blockNum, buf)
		}
		if err := d.cache.Get(blockNum, d.scratch[:]); err != nil {
			return err
		}
		copy(d.scratch[offset:offset+len(buf)], buf)
		return d.cache.Put(blockNum, d.scratch[:])
	}

	k := 0
	cur := blockNum
	if offset > 0 {
		if err := d.cache.Get(cur, d.scratch[:]); err != nil {
			return err
		}
		n := copy(d.scratch[offset:blockSize], buf[k:])
		k += n
		if err := d.cache.Put(cur, d.scratch[:]); err != nil {
			return err
		}
		cur++
	}
	for len(buf)-k >= blockSize {
		if err := d.cache.Put(cur, buf[k:k+blockSize]); err != nil {
			return err
		}
		k += blockSize
		cur++
	}
	if rem := len(buf) - k; rem > 0 {
		if err := d.cache.Get(cur, d.scratch[:]); err != nil {
			return err
		}
		copy(d.scratch[:rem], buf[k:])
		if err := d.cache.Put(cur, d.scratch[:]); err != nil {
			return err
		}
	}
	return nil
}

// Ioctl implements the block-device control operations of spec.md §4.3.
// Operations other than 3/4/5/6 return (0, nil); callers do not depend on
// them.
func (d *Device) Ioctl(op uint8, arg uint32) (int32, error) {
	switch op {
	case IoctlSync:
		if err := d.cache.Sync(); err != nil {
			return 0, err
		}
		return 0, nil
	case IoctlBlockCount:
		return int32(d.sectors), nil
	case IoctlBlockSize:
		return blockSize, nil
	case IoctlErase:
		if arg >= d.sectors {
			return 0, sderr.ErrBadArgument
		}
		if err := d.cache.Erase(arg); err != nil {
			return 0, err
		}
		return 0, nil
	default:
		return 0, nil
	}
}
