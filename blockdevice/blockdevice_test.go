package blockdevice

import (
	"bytes"
	"testing"
)

// fakeCache is a memory-backed Cache double: get/put/sync/erase over a flat
// block map, with no capacity limit, so these tests exercise only the
// facade's offset/length decomposition.
type fakeCache struct {
	blocks map[uint32]*[512]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{blocks: make(map[uint32]*[512]byte)}
}

func (f *fakeCache) block(n uint32) *[512]byte {
	b, ok := f.blocks[n]
	if !ok {
		b = &[512]byte{}
		f.blocks[n] = b
	}
	return b
}

func (f *fakeCache) Get(blockNum uint32, out []byte) error {
	copy(out, f.block(blockNum)[:])
	return nil
}

func (f *fakeCache) Put(blockNum uint32, in []byte) error {
	copy(f.block(blockNum)[:], in)
	return nil
}

func (f *fakeCache) Sync() error { return nil }

func (f *fakeCache) Erase(blockNum uint32) error {
	b := f.block(blockNum)
	for i := range b {
		b[i] = 0xFF
	}
	return nil
}

func seq(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	return buf
}

func TestSingleAlignedWriteRead(t *testing.T) {
	dev := New(newFakeCache(), 4096)

	want := seq(512)
	if err := dev.WriteBlocks(1000, want, 0); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, 512)
	if err := dev.ReadBlocks(1000, got, 0); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestSubBlockPartial(t *testing.T) {
	dev := New(newFakeCache(), 4096)

	want := bytes.Repeat([]byte{0xAA}, 128)
	if err := dev.WriteBlocks(500, want, 384); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, 128)
	if err := dev.ReadBlocks(500, got, 384); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("partial round trip mismatch: got %x want %x", got, want)
	}
}

func TestMultiBlockSpanningWithHeadAndTailPartials(t *testing.T) {
	dev := New(newFakeCache(), 4096)

	want := seq(1536)
	if err := dev.WriteBlocks(2000, want, 100); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, 1536)
	if err := dev.ReadBlocks(2000, got, 100); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("spanning round trip mismatch")
	}
}

func TestEraseThenRead(t *testing.T) {
	dev := New(newFakeCache(), 4096)

	garbage := seq(512)
	if err := dev.WriteBlocks(7, garbage, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Ioctl(IoctlSync, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Ioctl(IoctlErase, 7); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 512)
	if err := dev.ReadBlocks(7, out, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, bytes.Repeat([]byte{0xFF}, 512)) {
		t.Fatalf("erased block did not read back as 0xFF")
	}
}

func TestIoctlBlockCountAndSize(t *testing.T) {
	dev := New(newFakeCache(), 4096)

	n, err := dev.Ioctl(IoctlBlockCount, 0)
	if err != nil || n != 4096 {
		t.Fatalf("block_count = %d, %v; want 4096, nil", n, err)
	}
	sz, err := dev.Ioctl(IoctlBlockSize, 0)
	if err != nil || sz != 512 {
		t.Fatalf("block_size = %d, %v; want 512, nil", sz, err)
	}
}

func TestStatsCountsAlignedAndMisalignedAccesses(t *testing.T) {
	dev := New(newFakeCache(), 4096)

	if err := dev.WriteBlocks(10, seq(512), 0); err != nil { // aligned write
		t.Fatal(err)
	}
	if err := dev.WriteBlocks(11, seq(100), 50); err != nil { // misaligned write
		t.Fatal(err)
	}
	if err := dev.ReadBlocks(10, make([]byte, 512), 0); err != nil { // aligned read
		t.Fatal(err)
	}
	if err := dev.ReadBlocks(11, make([]byte, 100), 50); err != nil { // misaligned read
		t.Fatal(err)
	}

	stats := dev.Stats()
	if stats.AlignedWrites != 1 || stats.MisalignedWrites != 1 {
		t.Fatalf("writes: aligned=%d misaligned=%d, want 1,1", stats.AlignedWrites, stats.MisalignedWrites)
	}
	if stats.AlignedReads != 1 || stats.MisalignedReads != 1 {
		t.Fatalf("reads: aligned=%d misaligned=%d, want 1,1", stats.AlignedReads, stats.MisalignedReads)
	}
}

func TestNegativeOffsetIsBadArgument(t *testing.T) {
	dev := New(newFakeCache(), 4096)
	if err := dev.ReadBlocks(0, make([]byte, 512), -1); err == nil {
		t.Fatal("expected BadArgument for negative offset")
	}
}

func TestEraseOutOfRangeIsBadArgument(t *testing.T) {
	dev := New(newFakeCache(), 4096)
	if _, err := dev.Ioctl(IoctlErase, 4096); err == nil {
		t.Fatal("expected BadArgument for ioctl(6) at/past sectors")
	}
}

func TestReadBlocksOutOfRangeIsBadArgument(t *testing.T) {
	dev := New(newFakeCache(), 10)
	if err := dev.ReadBlocks(9, make([]byte, 1024), 0); err == nil {
		t.Fatal("expected BadArgument when the request runs past sectors")
	}
}
