// Package sderr holds the sentinel error taxonomy shared by the codec,
// cache and block-device facade, so callers can use errors.Is against one
// vocabulary regardless of which layer raised the error.
package sderr

import "errors"

var (
	// ErrNoCard means CMD0 never returned the idle-state response, or CMD9
	// (SEND_CSD) was rejected during Init.
	ErrNoCard = errors.New("sdcard: no card")
	// ErrVersionUnknown means CMD8 produced neither a v1 nor a v2 response.
	ErrVersionUnknown = errors.New("sdcard: version unknown")
	// ErrTimeout means a command or data-token poll ran past CMD_TIMEOUT.
	ErrTimeout = errors.New("sdcard: timeout")
	// ErrCardFormat means the CSD register's structure field isn't v1 or v2.
	ErrCardFormat = errors.New("sdcard: unsupported CSD format")
	// ErrSetBlockLen means CMD16 (SET_BLOCKLEN) was rejected.
	ErrSetBlockLen = errors.New("sdcard: set block length failed")
	// ErrIO covers a non-zero R1 on a data command or a rejected
	// data-response byte. A data-token poll that times out returns
	// ErrTimeout instead.
	ErrIO = errors.New("sdcard: I/O error")
	// ErrBadArgument covers a negative offset or a wrongly sized buffer.
	ErrBadArgument = errors.New("sdcard: bad argument")
	// ErrEraseDirty means erase was requested on a dirty resident block.
	ErrEraseDirty = errors.New("sdcard: erase requested on dirty block")
	// ErrBadConfig covers an unknown eviction policy or an out-of-range
	// read-ahead width.
	ErrBadConfig = errors.New("sdcard: bad cache configuration")
)
