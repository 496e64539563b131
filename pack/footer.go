package pack

import (
	"encoding/binary"
	"fmt"
)

// footer is the fixed 32 byte trailer of every packed file:
//
//	version        uint16 little endian
//	reserved       22 bytes, written as zero, ignored on read
//	metaEntrySize  uint32 little endian, stored size of the meta entry
//	directorySize  uint32 little endian, size of the directory table
//
// The sizes let a reader locate the directory table and meta entry
// backwards from the end of the file without any forward scan.
type footer struct {
	version       uint16
	metaEntrySize uint32
	directorySize uint32
}

const (
	footerVersionOff  = 0
	footerMetaSizeOff = 24
	footerDirSizeOff  = 28
)

func (f *footer) encode() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint16(buf[footerVersionOff:], f.version)
	binary.LittleEndian.PutUint32(buf[footerMetaSizeOff:], f.metaEntrySize)
	binary.LittleEndian.PutUint32(buf[footerDirSizeOff:], f.directorySize)
	return buf
}

// decodeFooter parses the last FooterSize bytes of a file.
func decodeFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) < FooterSize {
		return f, fmt.Errorf("got %d bytes: %w", len(buf), ErrorFooterTooShort)
	}
	buf = buf[len(buf)-FooterSize:]
	f.version = binary.LittleEndian.Uint16(buf[footerVersionOff:])
	if f.version != FormatVersion {
		return f, fmt.Errorf("version %d: %w", f.version, ErrorBadVersion)
	}
	f.metaEntrySize = binary.LittleEndian.Uint32(buf[footerMetaSizeOff:])
	f.directorySize = binary.LittleEndian.Uint32(buf[footerDirSizeOff:])
	return f, nil
}
