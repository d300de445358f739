// Command tinygoboard demonstrates wiring a real tinygo.org/x/drivers.SPI
// bus and a machine.Pin chip-select line into sdcard.New, the same
// composition nmaggioni-tinygo-drivers/sd.NewSPICard expects from its
// callers. It is a board bring-up sketch, not part of the tested library
// surface.
package main

import (
	"log/slog"
	"machine"
	"time"

	"tinygo.org/x/drivers"

	"github.com/jornamon/mp-sdcard-littleFS"
	"github.com/jornamon/mp-sdcard-littleFS/cache"
)

// spiTransport adapts a board's drivers.SPI + CS pin to proto.Transport.
type spiTransport struct {
	bus drivers.SPI
	cs  machine.Pin
}

func (t *spiTransport) Write(p []byte) error {
	return t.bus.Tx(p, nil)
}

func (t *spiTransport) ReadInto(buf []byte, fill byte) error {
	tx := make([]byte, len(buf))
	for i := range tx {
		tx[i] = fill
	}
	return t.bus.Tx(tx, buf)
}

func (t *spiTransport) WriteRead(tx, rx []byte) error {
	return t.bus.Tx(tx, rx)
}

func (t *spiTransport) SetCS(asserted bool) { t.cs.Set(!asserted) }

func (t *spiTransport) SleepMs(ms uint32) { time.Sleep(time.Duration(ms) * time.Millisecond) }

func (t *spiTransport) SetBaudrate(hz uint32) error {
	return t.bus.Configure(machine.SPIConfig{Frequency: hz})
}

func main() {
	cs := machine.GPIO5
	cs.Configure(machine.PinConfig{Mode: machine.PinOutput})
	cs.High()

	spi := machine.SPI0
	if err := spi.Configure(machine.SPIConfig{Frequency: 100_000}); err != nil {
		slog.Error("tinygoboard: spi configure failed", "error", err)
		return
	}

	transport := &spiTransport{bus: spi, cs: cs}

	drv, err := sdcard.New(transport,
		sdcard.WithBaudrate(25_000_000),
		sdcard.WithCache(8, cache.LRUC, 4),
	)
	if err != nil {
		slog.Error("tinygoboard: sd init failed", "error", err)
		return
	}

	var count int32
	if count, err = drv.Ioctl(4, 0); err != nil {
		slog.Error("tinygoboard: block_count failed", "error", err)
		return
	}
	slog.Info("tinygoboard: sd card ready", "blocks", count)

	buf := make([]byte, 512)
	if err := drv.ReadBlocks(0, buf, 0); err != nil {
		slog.Error("tinygoboard: read block 0 failed", "error", err)
		return
	}
	slog.Info("tinygoboard: read block 0", "first_byte", buf[0])
}
