// Package util holds small formatting helpers shared by pebblefs's
// command-line tools. It has no dependency on the filesystem packages
// themselves.
package util

import (
	"fmt"
)

// DumpByteSlice renders b in hex and optionally ASCII, xxd-style: one row
// per bytesPerRow bytes, with optional hex and/or decimal offsets at the
// start of each row.
func DumpByteSlice(b []byte, bytesPerRow int, showASCII, showPosHex, showPosDec bool) string {
	var out string
	var ascii []byte
	numRows := len(b) / bytesPerRow
	if len(b)%bytesPerRow != 0 {
		numRows++
	}
	for i := 0; i < numRows; i++ {
		firstByte := i * bytesPerRow
		lastByte := firstByte + bytesPerRow
		var row string
		if showPosHex {
			row += fmt.Sprintf("%08x ", firstByte)
		}
		if showPosDec {
			row += fmt.Sprintf("%4d ", firstByte)
		}
		row += ": "
		for j := firstByte; j < lastByte; j++ {
			if j%8 == 0 {
				row += " "
			}
			if j < len(b) {
				row += fmt.Sprintf(" %02x", b[j])
			} else {
				row += "   "
			}
			switch {
			case j >= len(b):
				ascii = append(ascii, ' ')
			case b[j] < 32 || b[j] > 126:
				ascii = append(ascii, '.')
			default:
				ascii = append(ascii, b[j])
			}
		}
		if showASCII {
			row += fmt.Sprintf("  %s", string(ascii))
			ascii = ascii[:0]
		}
		out += row + "\n"
	}
	return out
}
