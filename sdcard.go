// Package sdcard wires together the SD SPI codec, the write-back block
// cache, and the block-device facade into a single driver a log-structured
// filesystem can mount.
package sdcard

import (
	"log/slog"

	"github.com/jornamon/mp-sdcard-littleFS/blockdevice"
	"github.com/jornamon/mp-sdcard-littleFS/cache"
	"github.com/jornamon/mp-sdcard-littleFS/proto"
)

// Driver is the consumer-facing entry point: Transport in, ReadBlocks /
// WriteBlocks / Ioctl out. Not safe for concurrent use (spec.md §5); a
// single filesystem mount is expected to own it.
type Driver struct {
	codec  *proto.Codec
	cache  *cache.Cache
	device *blockdevice.Device
	log    *slog.Logger
}

// Option configures a Driver at construction time.
type Option func(*options)

type options struct {
	baudrate  uint32
	cacheSize int
	policy    cache.EvictionPolicy
	readAhead int
	log       *slog.Logger
}

func defaultOptions() options {
	return options{
		baudrate:  25_000_000,
		cacheSize: 8,
		policy:    cache.LRUC,
		readAhead: 4,
	}
}

// WithBaudrate sets the runtime SPI clock negotiated at the end of Init.
func WithBaudrate(hz uint32) Option {
	return func(o *options) { o.baudrate = hz }
}

// WithCache sets the cache capacity, eviction policy and read-ahead width.
// A size of 0 disables caching entirely (spec.md §4.2 bypass path).
func WithCache(size int, policy cache.EvictionPolicy, readAhead int) Option {
	return func(o *options) {
		o.cacheSize = size
		o.policy = policy
		o.readAhead = readAhead
	}
}

// WithLogger injects a structured logger. A nil logger (or not calling this
// option) defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New probes and initializes the card over transport, then builds the
// cache and block-device layers on top of it. All Init failures
// (NoCard, VersionUnknown, Timeout, CardFormat, SetBlockLen) are fatal:
// the returned error is never retried internally.
func New(transport proto.Transport, opts ...Option) (*Driver, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	if log == nil {
		log = slog.Default()
	}

	codec := proto.New(transport)
	if err := codec.Init(o.baudrate); err != nil {
		log.Warn("sdcard: init failed", "error", err)
		return nil, err
	}
	log.Debug("sdcard: init ok", "sectors", codec.Sectors(), "cdv", codec.Cdv(), "version", codec.Version())

	loggingCard := &loggingCardIO{codec: codec, log: log}
	c, err := cache.New(loggingCard, cache.Config{
		MaxSize:   o.cacheSize,
		Policy:    o.policy,
		ReadAhead: o.readAhead,
	})
	if err != nil {
		return nil, err
	}

	dev := blockdevice.New(c, codec.Sectors())

	return &Driver{codec: codec, cache: c, device: dev, log: log}, nil
}

// ReadBlocks reads len(buf) bytes starting at blockNum*512 + offset.
func (d *Driver) ReadBlocks(blockNum uint32, buf []byte, offset int) error {
	return d.device.ReadBlocks(blockNum, buf, offset)
}

// WriteBlocks writes len(buf) bytes starting at blockNum*512 + offset.
func (d *Driver) WriteBlocks(blockNum uint32, buf []byte, offset int) error {
	return d.device.WriteBlocks(blockNum, buf, offset)
}

// Ioctl implements the block-device control operations (sync, block_count,
// block_size, erase).
func (d *Driver) Ioctl(op uint8, arg uint32) (int32, error) {
	return d.device.Ioctl(op, arg)
}

// Stats is a point-in-time snapshot of the driver's cache and alignment
// counters (SPEC_FULL.md §7.1).
type Stats struct {
	Cache  cache.Stats
	Device blockdevice.Stats
}

// Stats returns a snapshot of the cache's and facade's activity counters.
func (d *Driver) Stats() Stats {
	return Stats{Cache: d.cache.Stats(), Device: d.device.Stats()}
}

// loggingCardIO wraps a *proto.Codec with Debug/Warn logging around every
// card transaction, the ambient-stack counterpart to a driver that
// otherwise never logs on its own (spec.md §6.5).
type loggingCardIO struct {
	codec *proto.Codec
	log   *slog.Logger
}

func (l *loggingCardIO) ReadBlock(blockNum uint32, buf []byte) error {
	err := l.codec.ReadBlock(blockNum, buf)
	if err != nil {
		l.log.Warn("sdcard: read block failed", "block", blockNum, "error", err)
	} else {
		l.log.Debug("sdcard: read block", "block", blockNum)
	}
	return err
}

func (l *loggingCardIO) ReadBlocks(blockNum uint32, bufs [][]byte) error {
	err := l.codec.ReadBlocks(blockNum, bufs)
	if err != nil {
		l.log.Warn("sdcard: read blocks failed", "block", blockNum, "count", len(bufs), "error", err)
	} else {
		l.log.Debug("sdcard: read blocks", "block", blockNum, "count", len(bufs))
	}
	return err
}

func (l *loggingCardIO) WriteBlock(blockNum uint32, buf []byte) error {
	err := l.codec.WriteBlock(blockNum, buf)
	if err != nil {
		l.log.Warn("sdcard: write block failed", "block", blockNum, "error", err)
	} else {
		l.log.Debug("sdcard: write block", "block", blockNum)
	}
	return err
}

func (l *loggingCardIO) WriteBlocks(blockNum uint32, bufs [][]byte) error {
	err := l.codec.WriteBlocks(blockNum, bufs)
	if err != nil {
		l.log.Warn("sdcard: write blocks failed", "block", blockNum, "count", len(bufs), "error", err)
	} else {
		l.log.Debug("sdcard: write blocks", "block", blockNum, "count", len(bufs))
	}
	return err
}
