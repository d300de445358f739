// Package proto implements the SD SPI-mode command protocol: the CardCodec
// of spec.md §4.1. It knows nothing about caching or block-device
// semantics; it issues commands, waits for data tokens, and moves bytes.
package proto

import (
	"encoding/binary"

	"github.com/jornamon/mp-sdcard-littleFS/sderr"
)

// Transport is the narrow capability the codec needs from the SPI
// peripheral, the CS line and a millisecond sleep (spec.md §4.1/§6.3). It
// is satisfied by a bit-banged SPI master or a real peripheral driver; the
// codec never assumes anything about clock speed beyond what Init and
// BaudrateSetter negotiate.
type Transport interface {
	// Write clocks p out over MOSI, ignoring MISO.
	Write(p []byte) error
	// ReadInto clocks len(buf) bytes in from MISO while driving MOSI with
	// fill, storing the result in buf.
	ReadInto(buf []byte, fill byte) error
	// WriteRead performs a full-duplex transfer: tx is clocked out on MOSI
	// while the simultaneous MISO bytes land in rx. len(tx) == len(rx).
	WriteRead(tx, rx []byte) error
	// SetCS drives the chip-select line; asserted == true selects the card
	// (active low on the wire, but the interface speaks in logical terms).
	SetCS(asserted bool)
	// SleepMs yields for roughly ms milliseconds.
	SleepMs(ms uint32)
}

// BaudrateSetter is an optional Transport capability: implement it if the
// SPI bus can be reclocked after Init raises it from the 100 kHz init rate
// to the runtime baudrate. A fixed-clock test transport can skip it.
type BaudrateSetter interface {
	SetBaudrate(hz uint32) error
}

// Codec drives the SD SPI command protocol over a Transport. It is
// stateless across calls apart from cdv/sectors learned during Init and the
// scratch buffers used to frame commands (spec.md §4.1).
type Codec struct {
	t Transport

	cdv     uint32 // block-address multiplier: 1 (SDHC/SDXC) or 512 (SDSC)
	sectors uint32
	version CardVersion

	cmdBuf   [6]byte
	tokenBuf [1]byte
}

// New wraps t in a Codec. Init must be called before any other method.
func New(t Transport) *Codec {
	return &Codec{t: t}
}

// Sectors returns the card's block count, valid after a successful Init.
func (c *Codec) Sectors() uint32 { return c.sectors }

// Cdv returns the block-address multiplier learned during Init.
func (c *Codec) Cdv() uint32 { return c.cdv }

// Version returns the SD protocol version/capacity class learned during
// Init.
func (c *Codec) Version() CardVersion { return c.version }

// Init drives the standard SD SPI-mode handshake (spec.md §4.1): ≥80 clock
// cycles with CS high, CMD0 up to 5 attempts, CMD8 to distinguish v1/v2,
// the matching ACMD41 polling loop (50ms between attempts, up to 100
// attempts), CMD58 to tell SDSC from SDHC/SDXC on v2 cards, CMD9 to read
// the CSD and derive Sectors, CMD16 to fix the block length at 512, and
// finally a bus speed switch to baudrate if the Transport supports it.
func (c *Codec) Init(baudrate uint32) error {
	c.t.SetCS(false)
	dummy := [10]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if err := c.t.Write(dummy[:]); err != nil {
		return err
	}

	ok := false
	for attempt := 0; attempt < 5; attempt++ {
		r, err := c.cmd(cmdGoIdleState, 0, 0x95, 0, true, false)
		if err != nil {
			return err
		}
		if response1(r) == r1IdleState {
			ok = true
			break
		}
	}
	if !ok {
		return sderr.ErrNoCard
	}

	r, err := c.cmd(cmdSendIfCond, 0x1AA, 0x87, 4, true, false)
	if err != nil {
		return err
	}
	resp := response1(r)
	switch {
	case resp.isIdle() && !resp.illegalCommand():
		if err := c.initV2(); err != nil {
			return err
		}
	case resp.isIdle() && resp.illegalCommand():
		if err := c.initV1(); err != nil {
			return err
		}
	default:
		return sderr.ErrVersionUnknown
	}

	r, err = c.cmd(cmdSendCSD, 0, 0, 0, false, false)
	if err != nil {
		return err
	}
	if r != 0 {
		c.t.SetCS(false)
		return sderr.ErrNoCard
	}
	var csdBuf [16]byte
	if err := c.readData(csdBuf[:], true); err != nil {
		return err
	}
	csd, err := DecodeCSD(csdBuf[:])
	if err != nil {
		return err
	}
	sectors, ok := csd.Sectors()
	if !ok {
		return sderr.ErrCardFormat
	}
	c.sectors = sectors

	r, err = c.cmd(cmdSetBlockLen, 512, 0, 0, true, false)
	if err != nil {
		return err
	}
	if r != 0 {
		return sderr.ErrSetBlockLen
	}

	if bs, ok := c.t.(BaudrateSetter); ok {
		if err := bs.SetBaudrate(baudrate); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) initV1() error {
	for attempt := 0; attempt < cmdTimeout; attempt++ {
		c.t.SleepMs(50)
		if _, err := c.cmd(cmdAppCmd, 0, 0, 0, true, false); err != nil {
			return err
		}
		r, err := c.cmd(acmdSDSendOpCond, 0, 0, 0, true, false)
		if err != nil {
			return err
		}
		if r == 0 {
			c.cdv = 512
			c.version = VersionSD1
			return nil
		}
	}
	return sderr.ErrTimeout
}

func (c *Codec) initV2() error {
	for attempt := 0; attempt < cmdTimeout; attempt++ {
		c.t.SleepMs(50)
		if _, err := c.cmd(cmdAppCmd, 0, 0, 0, true, false); err != nil {
			return err
		}
		r, err := c.cmd(acmdSDSendOpCond, 0x40000000, 0, 0, true, false)
		if err != nil {
			return err
		}
		if r == 0 {
			// 4-byte OCR response; keep only the first byte (final=-4).
			if _, err := c.cmd(cmdReadOCR, 0, 0, -4, true, false); err != nil {
				return err
			}
			ocr := c.tokenBuf[0]
			if ocr&0x40 == 0 {
				c.cdv = 512
				c.version = VersionSD2SDSC
			} else {
				c.cdv = 1
				c.version = VersionSD2SDHC
			}
			return nil
		}
	}
	return sderr.ErrTimeout
}

// cmd sends a 6-byte SD command frame and waits for the R1 response
// (spec.md §4.1). finalBytes > 0 reads and discards that many trailing
// bytes (R3/R7); finalBytes < 0 keeps the
// first trailing byte in tokenBuf and discards the remaining
// (-1 - finalBytes) bytes. If release is true, CS is raised and one dummy
// byte is clocked out afterwards (the shared-bus workaround). skip1 consumes
// one stuffing byte before polling for R1 (CMD12's STOP_TRANSMISSION).
func (c *Codec) cmd(index byte, arg uint32, crc byte, finalBytes int, release bool, skip1 bool) (int, error) {
	c.t.SetCS(true)

	buf := c.cmdBuf[:]
	buf[0] = 0x40 | index
	binary.BigEndian.PutUint32(buf[1:5], arg)
	buf[5] = crc
	if err := c.t.Write(buf); err != nil {
		return -1, err
	}

	if skip1 {
		if err := c.t.ReadInto(c.tokenBuf[:], 0xFF); err != nil {
			return -1, err
		}
	}

	for i := 0; i < cmdTimeout; i++ {
		if err := c.t.ReadInto(c.tokenBuf[:], 0xFF); err != nil {
			return -1, err
		}
		response := c.tokenBuf[0]
		if response&0x80 == 0 {
			if finalBytes < 0 {
				if err := c.t.ReadInto(c.tokenBuf[:], 0xFF); err != nil {
					return -1, err
				}
				finalBytes = -1 - finalBytes
			}
			if finalBytes > 0 {
				discard := make([]byte, finalBytes)
				if err := c.t.ReadInto(discard, 0xFF); err != nil {
					return -1, err
				}
			}
			if release {
				c.t.SetCS(false)
				if err := c.t.Write([]byte{0xFF}); err != nil {
					return -1, err
				}
			}
			return int(response), nil
		}
	}

	c.t.SetCS(false)
	c.t.Write([]byte{0xFF})
	return -1, sderr.ErrTimeout
}

// readData polls for the 0xFE start-of-data token (up to cmdTimeout
// iterations, 1ms apart), clocks len(buf) bytes into buf, and discards the
// trailing CRC16 (spec.md §4.1 read_data). release controls whether CS is
// raised afterward: false when more blocks follow in the same CMD18 run (CS
// must stay asserted for the whole run), true at the true end of the
// transaction.
func (c *Codec) readData(buf []byte, release bool) error {
	found := false
	for i := 0; i < cmdTimeout; i++ {
		if err := c.t.ReadInto(c.tokenBuf[:], 0xFF); err != nil {
			c.t.SetCS(false)
			return err
		}
		if c.tokenBuf[0] == tokenData {
			found = true
			break
		}
		c.t.SleepMs(1)
	}
	if !found {
		c.t.SetCS(false)
		return sderr.ErrTimeout
	}

	if err := c.t.ReadInto(buf, 0xFF); err != nil {
		return err
	}

	var crc [2]byte
	if err := c.t.ReadInto(crc[:], 0xFF); err != nil {
		return err
	}
	if release {
		c.t.SetCS(false)
		return c.t.Write([]byte{0xFF})
	}
	return nil
}

// writeData sends token, then buf, then two dummy CRC bytes, checks the
// data-response byte, and waits for the card to leave busy (spec.md §4.1
// write_data). A response whose low 5 bits aren't 0x05 is escalated to
// ErrIO (DESIGN.md Open Question 1) rather than returned silently. CS is
// assumed already asserted by the caller (the preceding cmd() or writeData
// call); release controls whether it is raised afterward, for the same
// reason as readData's release parameter.
func (c *Codec) writeData(token byte, buf []byte, release bool) error {
	if err := c.t.Write([]byte{token}); err != nil {
		return err
	}
	if err := c.t.Write(buf); err != nil {
		return err
	}
	if err := c.t.Write([]byte{0xFF, 0xFF}); err != nil {
		return err
	}

	var resp [1]byte
	if err := c.t.ReadInto(resp[:], 0xFF); err != nil {
		return err
	}
	if resp[0]&0x1F != 0x05 {
		c.t.SetCS(false)
		c.t.Write([]byte{0xFF})
		return sderr.ErrIO
	}

	for {
		var busy [1]byte
		if err := c.t.ReadInto(busy[:], 0xFF); err != nil {
			return err
		}
		if busy[0] != 0 {
			break
		}
	}

	if release {
		c.t.SetCS(false)
		return c.t.Write([]byte{0xFF})
	}
	return nil
}

// writeToken emits a single control token (CMD25's STOP_TRAN) and waits
// for the card to leave busy. CS is assumed already asserted.
func (c *Codec) writeToken(token byte) error {
	if err := c.t.Write([]byte{token}); err != nil {
		return err
	}
	if err := c.t.Write([]byte{0xFF}); err != nil {
		return err
	}
	for {
		var busy [1]byte
		if err := c.t.ReadInto(busy[:], 0xFF); err != nil {
			return err
		}
		if busy[0] != 0 {
			break
		}
	}
	c.t.SetCS(false)
	return c.t.Write([]byte{0xFF})
}

// ReadBlock reads one 512-byte block via CMD17. len(buf) must be 512.
func (c *Codec) ReadBlock(blockNum uint32, buf []byte) error {
	if len(buf) != 512 {
		return sderr.ErrBadArgument
	}
	r, err := c.cmd(cmdReadSingleBlock, blockNum*c.cdv, 0, 0, false, false)
	if err != nil {
		return err
	}
	if r != 0 {
		c.t.SetCS(false)
		return sderr.ErrIO
	}
	return c.readData(buf, true)
}

// ReadBlocks reads len(bufs) consecutive 512-byte blocks starting at
// blockNum via CMD18, terminated by CMD12 (spec.md §4.1/§6). Every element
// of bufs must be exactly 512 bytes.
func (c *Codec) ReadBlocks(blockNum uint32, bufs [][]byte) error {
	for _, b := range bufs {
		if len(b) != 512 {
			return sderr.ErrBadArgument
		}
	}
	if len(bufs) == 1 {
		return c.ReadBlock(blockNum, bufs[0])
	}

	r, err := c.cmd(cmdReadMultiBlock, blockNum*c.cdv, 0, 0, false, false)
	if err != nil {
		return err
	}
	if r != 0 {
		c.t.SetCS(false)
		return sderr.ErrIO
	}
	for _, b := range bufs {
		if err := c.readData(b, false); err != nil {
			return err
		}
	}
	if _, err := c.cmd(cmdStopTransmission, 0, 0xFF, 0, true, true); err != nil {
		return err
	}
	return nil
}

// WriteBlock writes one 512-byte block via CMD24. len(buf) must be 512.
func (c *Codec) WriteBlock(blockNum uint32, buf []byte) error {
	if len(buf) != 512 {
		return sderr.ErrBadArgument
	}
	// Shared-bus workaround: ensure MOSI is high before the transaction,
	// required by (at least) some Kingston cards.
	if err := c.t.Write([]byte{0xFF}); err != nil {
		return err
	}
	r, err := c.cmd(cmdWriteBlock, blockNum*c.cdv, 0, 0, false, false)
	if err != nil {
		return err
	}
	if r != 0 {
		c.t.SetCS(false)
		return sderr.ErrIO
	}
	return c.writeData(tokenData, buf, true)
}

// WriteBlocks writes len(bufs) consecutive 512-byte blocks starting at
// blockNum via CMD25, one 0xFC-tokened data phase per block, terminated by
// a 0xFD STOP_TRAN (spec.md §4.1/§6).
func (c *Codec) WriteBlocks(blockNum uint32, bufs [][]byte) error {
	for _, b := range bufs {
		if len(b) != 512 {
			return sderr.ErrBadArgument
		}
	}
	if len(bufs) == 1 {
		return c.WriteBlock(blockNum, bufs[0])
	}

	if err := c.t.Write([]byte{0xFF}); err != nil {
		return err
	}
	r, err := c.cmd(cmdWriteMultiBlock, blockNum*c.cdv, 0, 0, false, false)
	if err != nil {
		return err
	}
	if r != 0 {
		c.t.SetCS(false)
		return sderr.ErrIO
	}
	for _, b := range bufs {
		if err := c.writeData(tokenCMD25, b, false); err != nil {
			return err
		}
	}
	return c.writeToken(tokenStopTrans)
}

// ReadRegister reads a 16-byte card register (CSD via cmdSendCSD, CID via
// cmdSendCID) through the same data-token path as ReadBlock (SPEC_FULL.md
// §7.1). Exposed for diagnostics; no operation in spec.md depends on it.
func (c *Codec) ReadRegister(index byte) ([16]byte, error) {
	var reg [16]byte
	r, err := c.cmd(index, 0, 0, 0, false, false)
	if err != nil {
		return reg, err
	}
	if r != 0 {
		c.t.SetCS(false)
		return reg, sderr.ErrIO
	}
	if err := c.readData(reg[:], true); err != nil {
		return reg, err
	}
	return reg, nil
}

// ReadCID reads and decodes the Card Identification register.
func (c *Codec) ReadCID() (CID, error) {
	reg, err := c.ReadRegister(cmdSendCID)
	if err != nil {
		return CID{}, err
	}
	return DecodeCID(reg[:])
}
