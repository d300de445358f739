package sdcard

import (
	"bytes"
	"testing"

	"github.com/jornamon/mp-sdcard-littleFS/cache"
)

// fakeCard is a minimal in-memory SD SPI emulator, just enough of the
// protocol to drive proto.Codec through Init and single/multi block I/O.
// It mirrors proto's own test double; duplicated here because the package
// boundary keeps proto's fake (and the protocol internals it pokes at)
// unexported.
type fakeCard struct {
	sectors           uint32
	blocks            map[uint32]*[512]byte
	out               []byte
	multiReadBlock    uint32
	multiReading      bool
	pendingWriteBlock uint32
	lastWriteToken    byte
}

func newFakeCard(sectors uint32) *fakeCard {
	return &fakeCard{sectors: sectors, blocks: make(map[uint32]*[512]byte)}
}

func (f *fakeCard) block(n uint32) *[512]byte {
	b, ok := f.blocks[n]
	if !ok {
		b = &[512]byte{}
		f.blocks[n] = b
	}
	return b
}

func (f *fakeCard) SetCS(bool)     {}
func (f *fakeCard) SleepMs(uint32) {}

func (f *fakeCard) WriteRead(tx, rx []byte) error {
	copy(rx, tx)
	return nil
}

func (f *fakeCard) ReadInto(buf []byte, fill byte) error {
	for i := range buf {
		buf[i] = f.nextByte()
	}
	return nil
}

func (f *fakeCard) nextByte() byte {
	if len(f.out) > 0 {
		b := f.out[0]
		f.out = f.out[1:]
		return b
	}
	if f.multiReading {
		blk := f.block(f.multiReadBlock)
		f.out = append(f.out, 0xFE)
		f.out = append(f.out, blk[:]...)
		f.out = append(f.out, 0x00, 0x00)
		f.multiReadBlock++
		b := f.out[0]
		f.out = f.out[1:]
		return b
	}
	return 0xFF
}

func (f *fakeCard) Write(p []byte) error {
	switch len(p) {
	case 6:
		index := p[0] &^ 0x40
		arg := uint32(p[1])<<24 | uint32(p[2])<<16 | uint32(p[3])<<8 | uint32(p[4])
		switch index {
		case 0: // CMD0
			f.out = append(f.out, 0x01)
		case 8: // CMD8
			f.out = append(f.out, 0x01, 0x00, 0x00, 0x01, 0xAA)
		case 55: // CMD55
			f.out = append(f.out, 0x01)
		case 41: // ACMD41
			f.out = append(f.out, 0x00)
		case 58: // CMD58
			f.out = append(f.out, 0x00, 0xC0, 0xFF, 0xFF, 0xFF)
		case 9: // CMD9 (CSD)
			f.out = append(f.out, 0x00, 0xFE)
			f.out = append(f.out, sdhcCSD(f.sectors)...)
			f.out = append(f.out, 0x00, 0x00)
		case 16: // CMD16
			f.out = append(f.out, 0x00)
		case 17: // CMD17
			f.out = append(f.out, 0x00, 0xFE)
			f.out = append(f.out, f.block(arg)[:]...)
			f.out = append(f.out, 0x00, 0x00)
		case 18: // CMD18
			f.out = append(f.out, 0x00)
			f.multiReadBlock = arg
			f.multiReading = true
		case 12: // CMD12
			f.multiReading = false
			f.out = append(f.out, 0xFF, 0x00)
		case 24, 25: // CMD24/CMD25
			f.out = append(f.out, 0x00)
			f.pendingWriteBlock = arg
		}
	case 1:
		switch p[0] {
		case 0xFE, 0xFC:
			f.lastWriteToken = p[0]
		case 0xFD:
			f.lastWriteToken = 0
			f.out = append(f.out, 0xFF)
		}
	case 2:
		if f.lastWriteToken != 0 {
			f.out = append(f.out, 0x05, 0xFF)
			if f.lastWriteToken == 0xFC {
				f.pendingWriteBlock++
			}
			f.lastWriteToken = 0
		}
	case 512:
		if f.lastWriteToken != 0 {
			copy(f.block(f.pendingWriteBlock)[:], p)
		}
	}
	return nil
}

func sdhcCSD(sectors uint32) []byte {
	var csd [16]byte
	csd[0] = 0x40
	cSize := sectors/1024 - 1
	csd[8] = byte(cSize >> 8)
	csd[9] = byte(cSize)
	return csd[:]
}

func newTestDriver(t *testing.T, sectors uint32, opts ...Option) *Driver {
	t.Helper()
	d, err := New(newFakeCard(sectors), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDriverReadWriteRoundTrip(t *testing.T) {
	d := newTestDriver(t, 4096, WithCache(8, cache.LRUC, 4))

	want := bytes.Repeat([]byte{0x5A}, 512)
	if err := d.WriteBlocks(100, want, 0); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, 512)
	if err := d.ReadBlocks(100, got, 0); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("round trip mismatch")
	}
}

func TestDriverIoctlBlockCount(t *testing.T) {
	d := newTestDriver(t, 4096)
	n, err := d.Ioctl(4, 0) // block_count
	if err != nil || n != 4096 {
		t.Fatalf("Ioctl(4) = %d, %v; want 4096, nil", n, err)
	}
}

func TestDriverStats(t *testing.T) {
	d := newTestDriver(t, 4096, WithCache(8, cache.LRUC, 4))

	if err := d.WriteBlocks(100, bytes.Repeat([]byte{0x5A}, 512), 0); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 512)
	if err := d.ReadBlocks(100, got, 0); err != nil { // cache hit, since still resident
		t.Fatal(err)
	}

	stats := d.Stats()
	if stats.Cache.PutMisses != 1 {
		t.Fatalf("Cache.PutMisses = %d, want 1", stats.Cache.PutMisses)
	}
	if stats.Cache.GetHits != 1 {
		t.Fatalf("Cache.GetHits = %d, want 1", stats.Cache.GetHits)
	}
	if stats.Device.AlignedWrites != 1 || stats.Device.AlignedReads != 1 {
		t.Fatalf("Device alignment counters = %+v, want one aligned read and one aligned write", stats.Device)
	}
}

func TestDriverBypassCache(t *testing.T) {
	d := newTestDriver(t, 4096, WithCache(0, cache.LRU, 1))

	want := bytes.Repeat([]byte{0x11}, 512)
	if err := d.WriteBlocks(10, want, 0); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, 512)
	if err := d.ReadBlocks(10, got, 0); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("round trip mismatch with cache disabled")
	}
}
