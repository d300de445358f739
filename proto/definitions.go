package proto

import (
	"encoding/binary"
	"io"
)

// SD SPI-mode command indices used by this driver (spec.md §6).
const (
	cmdGoIdleState      = 0  // CMD0
	cmdSendIfCond       = 8  // CMD8
	cmdSendCSD          = 9  // CMD9
	cmdSendCID          = 10 // CMD10
	cmdStopTransmission = 12 // CMD12
	cmdSetBlockLen      = 16 // CMD16
	cmdReadSingleBlock  = 17 // CMD17
	cmdReadMultiBlock   = 18 // CMD18
	cmdWriteBlock       = 24 // CMD24
	cmdWriteMultiBlock  = 25 // CMD25
	cmdAppCmd           = 55 // CMD55
	acmdSDSendOpCond    = 41 // ACMD41
	cmdReadOCR          = 58 // CMD58
)

// Data tokens (spec.md §6).
const (
	tokenData      = 0xFE // start of data: single read/write, CSD/CID
	tokenCMD25     = 0xFC // start of data: multi-block write
	tokenStopTrans = 0xFD // STOP_TRAN for a CMD25 run
)

const (
	cmdTimeout = 100 // iterations of R1 polling / data-token polling

	r1IdleState      = 1 << 0
	r1EraseReset     = 1 << 1
	r1IllegalCommand = 1 << 2
	r1ComCRCError    = 1 << 3
	r1EraseSeqError  = 1 << 4
	r1AddressError   = 1 << 5
	r1ParamError     = 1 << 6
)

// response1 is the R1 byte returned by every SD SPI command.
type response1 uint8

func (r response1) isIdle() bool         { return r&r1IdleState != 0 }
func (r response1) illegalCommand() bool { return r&r1IllegalCommand != 0 }

// CardVersion distinguishes the SD protocol version/capacity class
// determined during Init, matching spec.md §4.1's v1/v2/SDSC/SDHC split.
type CardVersion uint8

const (
	VersionUnknown CardVersion = iota
	VersionSD1                 // v1, always byte-addressed (cdv=512)
	VersionSD2SDSC             // v2, byte-addressed (cdv=512)
	VersionSD2SDHC             // v2 SDHC/SDXC, block-addressed (cdv=1)
)

// CSD is the 16-byte Card-Specific Data register read via CMD9. Only the
// fields spec.md §4.1 needs to derive Sectors are decoded in detail; the
// rest of the register is kept raw for diagnostics.
type CSD struct {
	raw [16]byte
}

// DecodeCSD copies a 16-byte CSD register read off the wire.
func DecodeCSD(b []byte) (CSD, error) {
	if len(b) < 16 {
		return CSD{}, io.ErrShortBuffer
	}
	var c CSD
	copy(c.raw[:], b)
	return c, nil
}

// structureVersion returns 0 for CSD v1.0 and 1 for CSD v2.0; any other
// value means an unsupported CSD layout (spec.md §4.1: CardFormat).
func (c CSD) structureVersion() uint8 { return c.raw[0] >> 6 }

// Sectors derives the card's block count per spec.md §4.1.
//
//   - CSD v2 (structure bits == 0x01): sectors = ((csd[8]<<8|csd[9])+1) * 1024
//   - CSD v1 (structure bits == 0x00): the classic C_SIZE/C_SIZE_MULT/
//     READ_BL_LEN derivation.
//   - anything else is an unsupported format.
func (c CSD) Sectors() (uint32, bool) {
	switch c.structureVersion() {
	case 1:
		sectors := ((uint32(c.raw[8])<<8 | uint32(c.raw[9])) + 1) * 1024
		return sectors, true
	case 0:
		cSize := uint32(c.raw[6]&0b11)<<10 | uint32(c.raw[7])<<2 | uint32(c.raw[8])>>6
		cSizeMult := uint32(c.raw[9]&0b11)<<1 | uint32(c.raw[10])>>7
		readBlLen := uint32(c.raw[5] & 0b1111)
		capacity := (cSize + 1) * (1 << (cSizeMult + 2)) * (1 << readBlLen)
		return capacity / 512, true
	default:
		return 0, false
	}
}

// Raw returns a copy of the 16-byte register.
func (c CSD) Raw() [16]byte { return c.raw }

// CID is the Card Identification register read via CMD10. Exposed as a
// diagnostic surface (SPEC_FULL.md §7.1); no operation in spec.md depends
// on it.
type CID struct {
	ManufacturerID      uint8
	OEMApplicationID    uint16
	ProductSerialNumber uint32
	prodName            [5]byte
}

// DecodeCID parses a 16-byte CID register.
func DecodeCID(b []byte) (CID, error) {
	if len(b) < 16 {
		return CID{}, io.ErrShortBuffer
	}
	return CID{
		ManufacturerID:      b[0],
		OEMApplicationID:    binary.BigEndian.Uint16(b[1:3]),
		prodName:            [5]byte{b[3], b[4], b[5], b[6], b[7]},
		ProductSerialNumber: binary.BigEndian.Uint32(b[9:13]),
	}, nil
}

// ProductName returns the 5-character ASCII product name, trimmed at the
// first NUL byte.
func (c CID) ProductName() string {
	n := len(c.prodName)
	for i, b := range c.prodName {
		if b == 0 {
			n = i
			break
		}
	}
	return string(c.prodName[:n])
}

// CRC7 computes the CRC7 checksum used in the SD command frame, polynomial
// x^7 + x^3 + 1, via a precomputed table (ported from
// nmaggioni-tinygo-drivers/sd/definitions.go).
func CRC7(data []byte) (crc uint8) {
	for _, b := range data {
		crc = crc7Table[crc^b]
	}
	return crc
}

// CRC16 computes the CRC-16-CCITT checksum SD data blocks are protected
// with on the wire. The codec does not itself verify it (spec.md's
// Non-goals exclude CRC protection on data payloads beyond what SD SPI
// mandates) but callers that want it can check a read block with this.
func CRC16(buf []byte) (crc uint16) {
	const poly uint16 = 0x1021
	for _, b := range buf {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

var crc7Table = [256]byte{
	0x00, 0x12, 0x24, 0x36, 0x48, 0x5a, 0x6c, 0x7e,
	0x90, 0x82, 0xb4, 0xa6, 0xd8, 0xca, 0xfc, 0xee,
	0x32, 0x20, 0x16, 0x04, 0x7a, 0x68, 0x5e, 0x4c,
	0xa2, 0xb0, 0x86, 0x94, 0xea, 0xf8, 0xce, 0xdc,
	0x64, 0x76, 0x40, 0x52, 0x2c, 0x3e, 0x08, 0x1a,
	0xf4, 0xe6, 0xd0, 0xc2, 0xbc, 0xae, 0x98, 0x8a,
	0x56, 0x44, 0x72, 0x60, 0x1e, 0x0c, 0x3a, 0x28,
	0xc6, 0xd4, 0xe2, 0xf0, 0x8e, 0x9c, 0xaa, 0xb8,
	0xc8, 0xda, 0xec, 0xfe, 0x80, 0x92, 0xa4, 0xb6,
	0x58, 0x4a, 0x7c, 0x6e, 0x10, 0x02, 0x34, 0x26,
	0xfa, 0xe8, 0xde, 0xcc, 0xb2, 0xa0, 0x96, 0x84,
	0x6a, 0x78, 0x4e, 0x5c, 0x22, 0x30, 0x06, 0x14,
	0xac, 0xbe, 0x88, 0x9a, 0xe4, 0xf6, 0xc0, 0xd2,
	0x3c, 0x2e, 0x18, 0x0a, 0x74, 0x66, 0x50, 0x42,
	0x9e, 0x8c, 0xba, 0xa8, 0xd6, 0xc4, 0xf2, 0xe0,
	0x0e, 0x1c, 0x2a, 0x38, 0x46, 0x54, 0x62, 0x70,
	0x82, 0x90, 0xa6, 0xb4, 0xca, 0xd8, 0xee, 0xfc,
	0x12, 0x00, 0x36, 0x24, 0x5a, 0x48, 0x7e, 0x6c,
	0xb0, 0xa2, 0x94, 0x86, 0xf8, 0xea, 0xdc, 0xce,
	0x20, 0x32, 0x04, 0x16, 0x68, 0x7a, 0x4c, 0x5e,
	0xe6, 0xf4, 0xc2, 0xd0, 0xae, 0xbc, 0x8a, 0x98,
	0x76, 0x64, 0x52, 0x40, 0x3e, 0x2c, 0x1a, 0x08,
	0xd4, 0xc6, 0xf0, 0xe2, 0x9c, 0x8e, 0xb8, 0xaa,
	0x44, 0x56, 0x60, 0x72, 0x0c, 0x1e, 0x28, 0x3a,
	0x4a, 0x58, 0x6e, 0x7c, 0x02, 0x10, 0x26, 0x34,
	0xda, 0xc8, 0xfe, 0xec, 0x92, 0x80, 0xb6, 0xa4,
	0x78, 0x6a, 0x5c, 0x4e, 0x30, 0x22, 0x14, 0x06,
	0xe8, 0xfa, 0xcc, 0xde, 0xa0, 0xb2, 0x84, 0x96,
	0x2e, 0x3c, 0x0a, 0x18, 0x66, 0x74, 0x42, 0x50,
	0xbe, 0xac, 0x9a, 0x88, 0xf6, 0xe4, 0xd2, 0xc0,
	0x1c, 0x0e, 0x38, 0x2a, 0x54, 0x46, 0x70, 0x62,
	0x8c, 0x9e, 0xa8, 0xba, 0xc4, 0xd6, 0xe0, 0xf2,
}
