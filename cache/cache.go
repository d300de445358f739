// Package cache implements the write-back block cache sitting between the
// block-device facade and the SD card codec: hit/miss serving, read-ahead,
// LRU/LRUC eviction, coalesced sync, and erase materialization.
package cache

import (
	"container/list"
	"sort"

	"github.com/jornamon/mp-sdcard-littleFS/sderr"
)

const blockSize = 512

// CardIO is the narrow capability the cache needs from the codec layer:
// the redesign flag in spec.md §9 applied directly. The cache never
// touches CS/SPI state, only whole-block reads and writes.
type CardIO interface {
	ReadBlock(blockNum uint32, buf []byte) error
	ReadBlocks(blockNum uint32, bufs [][]byte) error
	WriteBlock(blockNum uint32, buf []byte) error
	WriteBlocks(blockNum uint32, bufs [][]byte) error
}

// EvictionPolicy selects which resident blocks are reclaimed on a miss
// against a full cache.
type EvictionPolicy uint8

const (
	// LRU evicts the least-recently-touched blocks regardless of dirty
	// state.
	LRU EvictionPolicy = iota
	// LRUC prefers clean blocks, falling back to a full sync when fewer
	// than the needed count are clean.
	LRUC
)

// Config configures a Cache. MaxSize == 0 disables caching: Get/Put bypass
// the index and issue single-block card I/O directly.
type Config struct {
	MaxSize   int
	Policy    EvictionPolicy
	ReadAhead int
}

// validate normalizes and checks a Config (spec.md §3: read_ahead ∈
// [1, cache_max_size], or 1 when cache_max_size <= 1).
func (c Config) validate() (Config, error) {
	if c.MaxSize < 0 {
		return c, sderr.ErrBadConfig
	}
	if c.Policy != LRU && c.Policy != LRUC {
		return c, sderr.ErrBadConfig
	}
	if c.MaxSize <= 1 {
		c.ReadAhead = 1
		return c, nil
	}
	if c.ReadAhead < 1 || c.ReadAhead > c.MaxSize {
		return c, sderr.ErrBadConfig
	}
	return c, nil
}

// block is one resident cache entry. content is backed by exactly one slot
// in the cache's preallocated pool; eviction rebinds blockNum and overwrites
// content in place rather than allocating (spec.md §9 "slot rebinding vs
// allocation").
type block struct {
	blockNum uint32
	dirty    bool
	content  []byte
	elem     *list.Element // this block's node in the recency list
}

// Stats is a point-in-time snapshot of cache activity counters
// (SPEC_FULL.md §7.1). It supplements spec.md without reviving the original
// driver's print-based analytics surface.
type Stats struct {
	GetHits                uint64
	GetMisses              uint64
	PutHits                uint64
	PutMisses              uint64
	BlocksFlushedSingly    uint64
	BlocksFlushedCoalesced uint64
}

// Cache is a write-back, whole-block cache in front of a CardIO. It is not
// safe for concurrent use (spec.md §5).
type Cache struct {
	card CardIO
	cfg  Config

	slots [][]byte // pool of cfg.MaxSize preallocated 512-byte buffers
	free  []int    // indices into slots not yet bound to a block

	order *list.List        // recency order, tail = most recent
	index map[uint32]*block // block_num -> resident block

	stats Stats
}

// New constructs a Cache bound to card. An empty Config{} with MaxSize == 0
// is valid and selects the bypass path.
func New(card CardIO, cfg Config) (*Cache, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	c := &Cache{card: card}
	c.reset(cfg)
	return c, nil
}

func (c *Cache) reset(cfg Config) {
	c.cfg = cfg
	c.slots = make([][]byte, cfg.MaxSize)
	c.free = make([]int, cfg.MaxSize)
	for i := range c.slots {
		c.slots[i] = make([]byte, blockSize)
		c.free[i] = i
	}
	c.order = list.New()
	c.index = make(map[uint32]*block, cfg.MaxSize)
	c.stats = Stats{}
}

// Reset discards all cached state and allocates a fresh slot pool
// (spec.md §4.2 reset_cache). Unsynced dirty blocks are lost silently; the
// caller is responsible for calling Sync first if that matters.
func (c *Cache) Reset(cfg Config) error {
	cfg, err := cfg.validate()
	if err != nil {
		return err
	}
	c.reset(cfg)
	return nil
}

// Stats returns a snapshot of the cache's activity counters.
func (c *Cache) Stats() Stats { return c.stats }

// takeSlot pops a free slot index, or -1 if the pool is exhausted.
func (c *Cache) takeSlot() int {
	n := len(c.free)
	if n == 0 {
		return -1
	}
	idx := c.free[n-1]
	c.free = c.free[:n-1]
	return idx
}

// touch moves b to the tail of the recency order (most recently used).
func (c *Cache) touch(b *block) {
	c.order.MoveToBack(b.elem)
}

// Get copies the addressed block into out (spec.md §4.2 get). len(out) must
// be exactly 512.
func (c *Cache) Get(blockNum uint32, out []byte) error {
	if len(out) != blockSize {
		return sderr.ErrBadArgument
	}

	if c.cfg.MaxSize == 0 {
		return c.card.ReadBlock(blockNum, out)
	}

	if b, ok := c.index[blockNum]; ok {
		copy(out, b.content)
		c.touch(b)
		c.stats.GetHits++
		return nil
	}
	c.stats.GetMisses++

	if len(c.index) < c.cfg.MaxSize {
		return c.getMissNotFull(blockNum, out)
	}
	return c.getMissFull(blockNum, out)
}

// getMissNotFull implements spec.md §4.2 get's "miss, cache not full"
// branch: allocate up to read_ahead new Blocks and fetch them in one
// multi-block read.
func (c *Cache) getMissNotFull(blockNum uint32, out []byte) error {
	run := c.cfg.ReadAhead
	if avail := c.cfg.MaxSize - len(c.index); run > avail {
		run = avail
	}
	if run < 1 {
		run = 1
	}

	blocks := make([]*block, run)
	bufs := make([][]byte, run)
	for i := 0; i < run; i++ {
		slot := c.takeSlot()
		b := &block{blockNum: blockNum + uint32(i), content: c.slots[slot]}
		blocks[i] = b
		bufs[i] = b.content
	}

	if err := c.card.ReadBlocks(blockNum, bufs); err != nil {
		for _, b := range blocks {
			c.free = append(c.free, c.slotIndex(b.content))
		}
		return err
	}

	for _, b := range blocks {
		b.elem = c.order.PushBack(b)
		c.index[b.blockNum] = b
	}
	copy(out, blocks[0].content)
	return nil
}

// getMissFull implements spec.md §4.2 get's "miss, cache full" branch:
// shrink read-ahead if neighbors are already resident, evict via the
// configured policy, fetch, and only then rebind. selectVictims detaches the
// victims from the index; they are rebound to new keys only after the
// replacement read succeeds. If a flush or the read fails, restoreVictims
// re-admits them under their old key (spec.md §7/§8).
func (c *Cache) getMissFull(blockNum uint32, out []byte) error {
	run := c.effectiveReadAhead(blockNum)

	victims, err := c.selectVictims(run)
	if err != nil {
		return err
	}
	for _, v := range victims {
		if v.dirty {
			if err := c.flushOne(v); err != nil {
				c.restoreVictims(victims)
				return err
			}
		}
	}

	bufs := make([][]byte, run)
	for i, v := range victims {
		bufs[i] = v.content
	}

	if run > 1 {
		if err := c.card.ReadBlocks(blockNum, bufs); err != nil {
			c.restoreVictims(victims)
			return err
		}
	} else {
		if err := c.card.ReadBlock(blockNum, bufs[0]); err != nil {
			c.restoreVictims(victims)
			return err
		}
	}

	for i, v := range victims {
		v.blockNum = blockNum + uint32(i)
		v.dirty = false
		c.index[v.blockNum] = v
		v.elem = c.order.PushBack(v)
	}
	copy(out, bufs[0])
	return nil
}

// effectiveReadAhead returns 1 if any block in
// [blockNum, blockNum+read_ahead) is already resident, else read_ahead
// (spec.md §4.2 get, step 1 of the miss/full branch).
func (c *Cache) effectiveReadAhead(blockNum uint32) int {
	for i := 0; i < c.cfg.ReadAhead; i++ {
		if _, ok := c.index[blockNum+uint32(i)]; ok {
			return 1
		}
	}
	return c.cfg.ReadAhead
}

// Put installs a whole-block write (spec.md §4.2 put). len(in) must be
// exactly 512.
func (c *Cache) Put(blockNum uint32, in []byte) error {
	if len(in) != blockSize {
		return sderr.ErrBadArgument
	}

	if c.cfg.MaxSize == 0 {
		return c.card.WriteBlock(blockNum, in)
	}

	if b, ok := c.index[blockNum]; ok {
		copy(b.content, in)
		b.dirty = true
		c.touch(b)
		c.stats.PutHits++
		return nil
	}
	c.stats.PutMisses++

	var b *block
	if len(c.index) < c.cfg.MaxSize {
		slot := c.takeSlot()
		b = &block{blockNum: blockNum, content: c.slots[slot]}
	} else {
		victims, err := c.selectVictims(1)
		if err != nil {
			return err
		}
		b = victims[0]
		if b.dirty {
			if err := c.flushOne(b); err != nil {
				c.restoreVictims(victims)
				return err
			}
		}
		b.blockNum = blockNum
	}

	copy(b.content, in)
	b.dirty = true
	if b.elem == nil {
		b.elem = c.order.PushBack(b)
	} else {
		c.touch(b)
	}
	c.index[blockNum] = b
	return nil
}

// selectVictims picks n evictable Blocks per the configured policy
// (spec.md §4.2 Eviction policy), fully detaching them from both the
// recency order and the index. A victim is not a valid cache entry under
// any key until the caller rebinds it (on success) or calls restoreVictims
// (on failure, under its old key).
func (c *Cache) selectVictims(n int) ([]*block, error) {
	switch c.cfg.Policy {
	case LRU:
		return c.popFront(n), nil
	case LRUC:
		return c.selectLRUC(n)
	default:
		return nil, sderr.ErrBadConfig
	}
}

// popFront removes and returns the n least-recently-used Blocks from the
// head of the recency order, dropping them from index too so a stale
// lookup under the old key can never reach an elem-less block.
func (c *Cache) popFront(n int) []*block {
	out := make([]*block, 0, n)
	e := c.order.Front()
	for len(out) < n && e != nil {
		next := e.Next()
		b := e.Value.(*block)
		c.order.Remove(e)
		b.elem = nil
		delete(c.index, b.blockNum)
		out = append(out, b)
		e = next
	}
	return out
}

// selectLRUC scans from the head collecting clean Blocks; if fewer than n
// are clean, it syncs (after which everything is clean) and retries from
// the head.
func (c *Cache) selectLRUC(n int) ([]*block, error) {
	clean := make([]*block, 0, n)
	for e := c.order.Front(); e != nil && len(clean) < n; e = e.Next() {
		b := e.Value.(*block)
		if !b.dirty {
			clean = append(clean, b)
		}
	}
	if len(clean) >= n {
		for _, b := range clean {
			c.order.Remove(b.elem)
			b.elem = nil
			delete(c.index, b.blockNum)
		}
		return clean, nil
	}

	if err := c.Sync(); err != nil {
		return nil, err
	}
	return c.popFront(n), nil
}

// restoreVictims re-admits detached victims back into the index and
// recency order under their original, unchanged blockNum. Used when a
// replacement write-back or fetch fails after eviction: spec.md §7/§8
// require that rebound Blocks keep the old key on an IO failure, so a
// failed eviction puts each victim back under its old key rather than
// stranding it under a half-committed key. Restored victims are appended
// at the tail of the recency order, and a victim flushed before the
// failure stays clean.
func (c *Cache) restoreVictims(victims []*block) {
	for _, v := range victims {
		c.index[v.blockNum] = v
		v.elem = c.order.PushBack(v)
	}
}

// flushOne writes a single dirty block back immediately (an un-coalesced
// write, used when evicting during get/put rather than during Sync).
func (c *Cache) flushOne(b *block) error {
	if err := c.card.WriteBlock(b.blockNum, b.content); err != nil {
		return err
	}
	b.dirty = false
	c.stats.BlocksFlushedSingly++
	return nil
}

// Sync writes all dirty Blocks back, coalescing contiguous runs into
// multi-block writes (spec.md §4.2 sync). Idempotent: if nothing is dirty
// it issues no card traffic.
func (c *Cache) Sync() error {
	if c.cfg.MaxSize == 0 {
		return nil
	}

	var dirty []*block
	for e := c.order.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		if b.dirty {
			dirty = append(dirty, b)
		}
	}
	if len(dirty) == 0 {
		return nil
	}

	sort.Slice(dirty, func(i, j int) bool { return dirty[i].blockNum < dirty[j].blockNum })

	i := 0
	for i < len(dirty) {
		j := i + 1
		for j < len(dirty) && dirty[j].blockNum == dirty[j-1].blockNum+1 {
			j++
		}
		run := dirty[i:j]
		if err := c.flushRun(run); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (c *Cache) flushRun(run []*block) error {
	if len(run) == 1 {
		if err := c.card.WriteBlock(run[0].blockNum, run[0].content); err != nil {
			return err
		}
		run[0].dirty = false
		c.stats.BlocksFlushedSingly++
		return nil
	}

	bufs := make([][]byte, len(run))
	for i, b := range run {
		bufs[i] = b.content
	}
	if err := c.card.WriteBlocks(run[0].blockNum, bufs); err != nil {
		return err
	}
	for _, b := range run {
		b.dirty = false
	}
	c.stats.BlocksFlushedCoalesced += uint64(len(run))
	return nil
}

// Erase materializes an erased block as all 0xFF (spec.md §4.2 Erase).
func (c *Cache) Erase(blockNum uint32) error {
	if c.cfg.MaxSize == 0 {
		var buf [blockSize]byte
		for i := range buf {
			buf[i] = 0xFF
		}
		return c.card.WriteBlock(blockNum, buf[:])
	}

	if b, ok := c.index[blockNum]; ok {
		if b.dirty {
			return sderr.ErrEraseDirty
		}
		for i := range b.content {
			b.content[i] = 0xFF
		}
		b.dirty = true
		c.touch(b)
		return nil
	}

	var buf [blockSize]byte
	for i := range buf {
		buf[i] = 0xFF
	}
	return c.Put(blockNum, buf[:])
}

// slotIndex finds the pool index backing content, for returning an
// unused-on-error allocation to the free list.
func (c *Cache) slotIndex(content []byte) int {
	for i, s := range c.slots {
		if &s[0] == &content[0] {
			return i
		}
	}
	return -1
}
