/*
 * ppmprog - Intel-HEX sparse image parser.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package intelhex parses Intel-HEX records into a sparse byte image
// and answers the address-range queries the programming orchestrator
// needs: the occupied address span, how many bytes of a range are
// actually present, and a dense fill of a range for transmission.
//
// None of the pack's example repos ship an Intel-HEX reader, so this
// is hand-written against the record format rather than grounded on a
// specific example file; see DESIGN.md.
package intelhex

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	recData               = 0x00
	recEndOfFile          = 0x01
	recExtSegmentAddress  = 0x02
	recStartSegmentAddress = 0x03
	recExtLinearAddress   = 0x04
	recStartLinearAddress = 0x05
)

// Image is a sparse address -> byte map, the Go realisation of the
// HexImage contract: min_address, max_address, count_in_range and
// get_filled.
type Image struct {
	data map[uint32]byte
	min  uint32
	max  uint32
	any  bool
	// Blank fills addresses with no recorded byte in GetFilled.
	// Callers typically set 0xFF for flash and 0x00 for EEPROM; the
	// zero value (0x00) is used if left unset.
	Blank byte
}

// NewImage returns an empty image with the given blank fill byte.
func NewImage(blank byte) *Image {
	return &Image{data: make(map[uint32]byte), Blank: blank}
}

func (img *Image) set(addr uint32, b byte) {
	if img.data == nil {
		img.data = make(map[uint32]byte)
	}
	img.data[addr] = b
	if !img.any {
		img.min, img.max, img.any = addr, addr, true
		return
	}
	if addr < img.min {
		img.min = addr
	}
	if addr > img.max {
		img.max = addr
	}
}

// MinAddress returns the lowest occupied address, or 0 if the image
// is empty.
func (img *Image) MinAddress() uint32 {
	return img.min
}

// MaxAddress returns the highest occupied address, or 0 if the image
// is empty.
func (img *Image) MaxAddress() uint32 {
	return img.max
}

// Empty reports whether the image has no occupied addresses at all.
func (img *Image) Empty() bool {
	return !img.any
}

// CountInRange returns how many of the length addresses starting at
// start are actually occupied.
func (img *Image) CountInRange(start, length uint32) int {
	n := 0
	for a := start; a < start+length; a++ {
		if _, ok := img.data[a]; ok {
			n++
		}
	}
	return n
}

// GetFilled returns a dense length-byte buffer for [start, start+length),
// with unoccupied addresses set to Blank.
func (img *Image) GetFilled(start, length uint32) []byte {
	buf := make([]byte, length)
	for i := uint32(0); i < length; i++ {
		if b, ok := img.data[start+i]; ok {
			buf[i] = b
		} else {
			buf[i] = img.Blank
		}
	}
	return buf
}

// Parse reads Intel-HEX records (type 00/01/02/04; 03/05 start-address
// records are accepted and ignored) into a new Image with the given
// blank fill byte.
func Parse(r io.Reader, blank byte) (*Image, error) {
	img := NewImage(blank)
	scanner := bufio.NewScanner(r)

	var upperAddr uint32
	lineNo := 0
	sawEOF := false

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line[0] != ':' {
			return nil, fmt.Errorf("intelhex: line %d: missing ':' start code", lineNo)
		}

		raw, err := hex.DecodeString(line[1:])
		if err != nil {
			return nil, fmt.Errorf("intelhex: line %d: %w", lineNo, err)
		}
		if len(raw) < 5 {
			return nil, fmt.Errorf("intelhex: line %d: record too short", lineNo)
		}

		count := int(raw[0])
		addr := uint32(raw[1])<<8 | uint32(raw[2])
		recType := raw[3]
		if len(raw) != 5+count {
			return nil, fmt.Errorf("intelhex: line %d: length field %d does not match record", lineNo, count)
		}

		var sum byte
		for _, b := range raw {
			sum += b
		}
		if sum != 0 {
			return nil, fmt.Errorf("intelhex: line %d: checksum mismatch", lineNo)
		}

		payload := raw[4 : 4+count]
		switch recType {
		case recData:
			base := upperAddr + addr
			for i, b := range payload {
				img.set(base+uint32(i), b)
			}
		case recEndOfFile:
			sawEOF = true
		case recExtSegmentAddress:
			if count != 2 {
				return nil, fmt.Errorf("intelhex: line %d: bad extended segment address record", lineNo)
			}
			upperAddr = (uint32(payload[0])<<8 | uint32(payload[1])) << 4
		case recExtLinearAddress:
			if count != 2 {
				return nil, fmt.Errorf("intelhex: line %d: bad extended linear address record", lineNo)
			}
			upperAddr = (uint32(payload[0])<<8 | uint32(payload[1])) << 16
		case recStartSegmentAddress, recStartLinearAddress:
			// Start-address records name an application entry point;
			// they carry no memory content relevant to programming.
		default:
			return nil, fmt.Errorf("intelhex: line %d: unsupported record type %#x", lineNo, recType)
		}

		if sawEOF {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("intelhex: %w", err)
	}
	if !sawEOF {
		return nil, fmt.Errorf("intelhex: missing end-of-file record")
	}
	return img, nil
}
