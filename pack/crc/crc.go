// Package crc implements the CRC-32 checksums recorded in packed index
// files: incremental computation over a stream, and algebraic
// combination of checksums over adjacent byte ranges without re-reading
// the underlying bytes.
//
// The polynomial is IEEE (the same CRC-32 zlib and gzip use), so
// checksums are comparable with values produced by other tooling.
package crc

import (
	"fmt"
	"hash"
	"hash/crc32"
	"strconv"
)

// poly is the reversed IEEE polynomial used by the bit matrices in
// Combine. It must match the table New and Sum hash with.
const poly = 0xedb88320

// HexWidth is the number of characters in the hex form of a checksum.
const HexWidth = 8

// New returns an incremental CRC-32 hash. Writes update the checksum in
// lockstep with the data passing through, so callers can tee a stream
// through it without a second pass.
func New() hash.Hash32 {
	return crc32.NewIEEE()
}

// Sum returns the CRC-32 of p in one shot.
func Sum(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}

// Update adds the bytes in p to a running checksum and returns the new
// value.
func Update(sum uint32, p []byte) uint32 {
	return crc32.Update(sum, crc32.IEEETable, p)
}

// FormatHex renders a checksum as the 8 character upper case hex string
// stored in the directory table.
func FormatHex(sum uint32) string {
	return fmt.Sprintf("%08X", sum)
}

// ParseHex parses a checksum rendered by FormatHex.
func ParseHex(s string) (uint32, error) {
	if len(s) != HexWidth {
		return 0, fmt.Errorf("crc32 hex %q should be %d characters", s, HexWidth)
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad crc32 hex %q: %w", s, err)
	}
	return uint32(n), nil
}

// gf2MatrixTimes multiplies the matrix by the vector over GF(2).
func gf2MatrixTimes(mat *[32]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

// gf2MatrixSquare squares mat into square.
func gf2MatrixSquare(square, mat *[32]uint32) {
	for n := range mat {
		square[n] = gf2MatrixTimes(mat, mat[n])
	}
}

// Combine returns the CRC-32 of the concatenation of two byte ranges
// given only their individual checksums and the length of the second
// range. It runs in time proportional to log(len2), which is what makes
// verifying an entry assembled from independently read ranges cheap: the
// per-range checksums are combined in ascending offset order and the
// result compared against the recorded value.
//
// This is the crc32_combine() construction from zlib: crc1 is advanced
// across len2 zero bytes by repeated squaring of the zero-byte operator
// matrix, then xored with crc2.
func Combine(crc1, crc2 uint32, len2 int64) uint32 {
	if len2 <= 0 {
		return crc1
	}

	var even, odd [32]uint32

	// Operator for one zero bit.
	odd[0] = poly
	row := uint32(1)
	for n := 1; n < 32; n++ {
		odd[n] = row
		row <<= 1
	}

	// Square to get the operators for two and then four zero bits.
	gf2MatrixSquare(&even, &odd)
	gf2MatrixSquare(&odd, &even)

	// Apply len2 zero bytes to crc1, squaring as we walk the bits of
	// len2. The first operator applied below corresponds to one zero
	// byte.
	for {
		gf2MatrixSquare(&even, &odd)
		if len2&1 != 0 {
			crc1 = gf2MatrixTimes(&even, crc1)
		}
		len2 >>= 1
		if len2 == 0 {
			break
		}
		gf2MatrixSquare(&odd, &even)
		if len2&1 != 0 {
			crc1 = gf2MatrixTimes(&odd, crc1)
		}
		len2 >>= 1
	}
	return crc1 ^ crc2
}
