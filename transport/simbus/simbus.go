/*
 * ppmprog - Simulated PPM target for deterministic protocol tests.
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

// Package simbus implements transport.Transport as a simulated PPM
// target: it decodes session and page frames the way real silicon
// would, writes programmed pages into in-memory flash/flash-CS/EEPROM
// buffers keyed by sequence number (flash pages are mapped back from
// the host's 1, 2, ..., N-1, 0 transmission order to address order),
// and schedules acknowledgement frames through internal/devtime so
// property and scenario tests run without any wall-clock delay.
package simbus

import (
	"time"

	"github.com/ppmprog/ppmprog/crc"
	"github.com/ppmprog/ppmprog/internal/devtime"
	"github.com/ppmprog/ppmprog/session"
	"github.com/ppmprog/ppmprog/transport"
)

type pendingSession struct {
	id           session.ID
	pageSize     uint16
	pageCount    uint16
	ackRequested bool
	offset       uint16
	checksum     uint16
	seen         []bool
}

// Target is a simulated PPM bootloader target.
type Target struct {
	// ResponseDelay is the virtual latency between a host frame
	// arriving and the target's acknowledgement becoming available.
	// Zero defaults to one microsecond, comfortably inside every
	// default session timeout.
	ResponseDelay time.Duration

	ProjectID uint16
	Family    crc.Family

	// NvSize bounds how much of the sparse NvRam/EEPROM store an
	// EepromCrc session reads, the way FlashCrc always reads the whole
	// flash region: the simulated target checksums from the session's
	// start offset up to NvSize and ignores the session's page_count
	// word.
	NvSize uint32

	// ForceFlashCrc, when non-nil, overrides the value a FlashCrc
	// session reports, independent of the actual flash contents —
	// used to simulate a target that silently corrupted its memory.
	ForceFlashCrc *uint32

	// History records every frame the host sent, in order, for tests
	// that assert which sessions were run and how many times.
	History []transport.Frame
	// RecvCalls counts calls to RecvFrame, so broadcast-mode tests
	// can assert the host never reads a response off the wire.
	RecvCalls int

	flash   []byte
	flashCs []byte
	nv      map[uint32]byte

	sched     devtime.Scheduler
	inbox     []transport.Frame
	cur       *pendingSession
	pageNacks map[uint16]int
}

// NewTarget builds a simulated target with dense flash/flash-CS
// memories of the given sizes (bytes) and a sparse EEPROM/NvRam store
// bounded by nvSize.
func NewTarget(projectID uint16, family crc.Family, flashSize, flashCsSize, nvSize uint32) *Target {
	return &Target{
		ProjectID: projectID,
		Family:    family,
		NvSize:    nvSize,
		flash:     make([]byte, flashSize),
		flashCs:   make([]byte, flashCsSize),
		nv:        make(map[uint32]byte),
	}
}

// NackPage arranges for the next `times` page frames carrying sequence
// number seq to be rejected (an intentionally mismatched acknowledgement),
// simulating a flaky link for page-retry-exhaustion tests.
func (t *Target) NackPage(seq uint16, times int) {
	if t.pageNacks == nil {
		t.pageNacks = make(map[uint16]int)
	}
	t.pageNacks[seq] = times
}

// FlashBytes returns the target's current flash memory contents.
func (t *Target) FlashBytes() []byte {
	return t.flash
}

// FlashCsBytes returns the target's current flash-CS memory contents.
func (t *Target) FlashCsBytes() []byte {
	return t.flashCs
}

// NvBytes returns length bytes of NvRam memory starting at start,
// filled with 0x00 where nothing has been programmed.
func (t *Target) NvBytes(start, length uint32) []byte {
	buf := make([]byte, length)
	for i := uint32(0); i < length; i++ {
		buf[i] = t.nv[start+i]
	}
	return buf
}

func (t *Target) SetBitrate(uint32) error              { return nil }
func (t *Target) SendEnterPattern(time.Duration) error { return nil }
func (t *Target) SendCalibration() error               { return nil }
func (t *Target) Close() error                         { return nil }

// SendFrame delivers a host frame to the simulated target.
func (t *Target) SendFrame(frame transport.Frame) error {
	t.History = append(t.History, frame)
	switch frame.Kind {
	case transport.Session:
		t.handleSessionFrame(frame)
	case transport.Page:
		t.handlePageFrame(frame)
	}
	return nil
}

// RecvFrame waits up to timeout of virtual time for the target's next
// response.
func (t *Target) RecvFrame(timeout time.Duration) (transport.Frame, error) {
	t.RecvCalls++
	if len(t.inbox) == 0 {
		t.sched.Advance(timeout)
	}
	if len(t.inbox) == 0 {
		return transport.Frame{}, transport.ErrTimeout
	}
	f := t.inbox[0]
	t.inbox = t.inbox[1:]
	return f, nil
}

func (t *Target) scheduleAck(frame transport.Frame) {
	delay := t.ResponseDelay
	if delay <= 0 {
		delay = time.Microsecond
	}
	t.sched.After(delay, t, 0, func(int) {
		t.inbox = append(t.inbox, frame)
	})
}

func (t *Target) handleSessionFrame(frame transport.Frame) {
	if len(frame.Data) != 4 {
		return
	}
	cmd := uint8(frame.Data[0] >> 8)
	pageSize := uint16(frame.Data[0] & 0xFF)
	ackRequested := cmd&0x80 != 0
	id := session.ID(cmd &^ 0x80)
	pageCount := frame.Data[1]
	offset := frame.Data[2]
	checksum := frame.Data[3]

	// The CRC sessions carry no page frames: their page_count word
	// describes the range to checksum, not pages still to arrive.
	if pageCount == 0 || id == session.FlashCrc || id == session.EepromCrc || id == session.FlashCsCrc {
		t.respondSessionImmediate(id, pageSize, pageCount, offset, checksum, ackRequested)
		t.cur = nil
		return
	}

	t.cur = &pendingSession{
		id: id, pageSize: pageSize, pageCount: pageCount,
		ackRequested: ackRequested, offset: offset, checksum: checksum,
		seen: make([]bool, pageCount),
	}
}

func (t *Target) respondSessionImmediate(id session.ID, pageSize, pageCount, offset, checksum uint16, ackRequested bool) {
	if !ackRequested {
		return
	}

	var word2, word3 uint16
	switch id {
	case session.Unlock, session.ChipReset:
		word2, word3 = offset, t.ProjectID
	case session.FlashCrc:
		flashCRC := crc.CRC24(t.Family, bytesToWordsLE(t.flash), 1)
		if t.ForceFlashCrc != nil {
			flashCRC = *t.ForceFlashCrc
		}
		word2 = uint16((flashCRC >> 16) & 0xFF)
		word3 = uint16(flashCRC)
	case session.EepromCrc:
		start := uint32(offset) * 2 * uint32(pageSize)
		length := uint32(0)
		if start < t.NvSize {
			length = t.NvSize - start
		}
		word3 = crc.CRC16(t.NvBytes(start, length), 0x1D0F)
	case session.FlashCsCrc:
		word3 = crc.CRC16(t.flashCs, 0x1D0F)
	default:
		word2, word3 = offset, checksum
	}

	t.scheduleAck(transport.Frame{
		Kind: transport.Session,
		Data: []uint16{(uint16(id)<<8 | uint16(uint8(pageSize))) + 1, pageCount, word2, word3},
	})
}

func (t *Target) handlePageFrame(frame transport.Frame) {
	if t.cur == nil || len(frame.Data) == 0 {
		return
	}
	seq := frame.Data[0] >> 8

	if t.pageNacks[seq] > 0 {
		t.pageNacks[seq]--
		if t.cur.ackRequested {
			t.scheduleAck(transport.Frame{Kind: transport.Page, Data: []uint16{^frame.Data[0]}})
		}
		return
	}

	if int(seq) < len(t.cur.seen) && !t.cur.seen[seq] {
		t.cur.seen[seq] = true
		t.writePageData(seq, frame.Data[1:])
	}

	if t.cur.ackRequested {
		t.scheduleAck(transport.Frame{Kind: transport.Page, Data: []uint16{frame.Data[0]}})
	}

	if t.allSeen() {
		t.finalizeSession()
	}
}

func (t *Target) allSeen() bool {
	for _, seen := range t.cur.seen {
		if !seen {
			return false
		}
	}
	return true
}

func (t *Target) writePageData(seq uint16, words []uint16) {
	pageSize := int(t.cur.pageSize)
	switch t.cur.id {
	case session.FlashProg:
		// The host transmits flash pages in the order 1, 2, ..., N-1, 0
		// (page 0 withheld until last), so wire position seq maps to
		// physical flash page (seq+1) mod pageCount, not seq itself.
		physicalPage := (int(seq) + 1) % int(t.cur.pageCount)
		writeWordsLE(t.flash, physicalPage*pageSize, words)
	case session.EepromProg:
		wordAddr := (int(t.cur.offset) + int(seq)) * pageSize
		data := wordsToBytesLE(words)
		for i, b := range data {
			t.nv[uint32(wordAddr*2+i)] = b
		}
	case session.FlashCsProg:
		addr := int(seq) * pageSize * 2
		data := wordsToBytesLE(words)
		for i, b := range data {
			if addr+i < len(t.flashCs) {
				t.flashCs[addr+i] = b
			}
		}
	default:
		// ProgKeys and any other page-bearing session leave no
		// persistent memory effect to simulate.
	}
}

func (t *Target) finalizeSession() {
	cur := t.cur
	var word2, word3 uint16

	switch cur.id {
	case session.ProgKeys:
		word2, word3 = 0xBEBE, 0xBEBE
	case session.FlashProg:
		length := int(cur.pageCount) * int(cur.pageSize) * 2
		if length > len(t.flash) {
			length = len(t.flash)
		}
		flashCRC := crc.CRC24(t.Family, bytesToWordsLE(t.flash[:length]), 1)
		word2 = uint16((flashCRC >> 16) & 0xFF)
		word3 = uint16(flashCRC)
	case session.EepromProg:
		start := int(cur.offset) * int(cur.pageSize) * 2
		length := int(cur.pageCount) * int(cur.pageSize) * 2
		word3 = crc.CRC16(t.NvBytes(uint32(start), uint32(length)), 0x1D0F)
	case session.FlashCsProg:
		length := int(cur.pageCount) * int(cur.pageSize) * 2
		if length > len(t.flashCs) {
			length = len(t.flashCs)
		}
		word3 = crc.CRC16(t.flashCs[:length], 0x1D0F)
	}

	if cur.ackRequested {
		t.scheduleAck(transport.Frame{
			Kind: transport.Session,
			Data: []uint16{(uint16(cur.id)<<8 | uint16(uint8(cur.pageSize))) + 1, cur.pageCount, word2, word3},
		})
	}
	t.cur = nil
}

func bytesToWordsLE(data []byte) []uint16 {
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = uint16(data[i*2]) | uint16(data[i*2+1])<<8
	}
	return words
}

func wordsToBytesLE(words []uint16) []byte {
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		buf[i*2] = byte(w)
		buf[i*2+1] = byte(w >> 8)
	}
	return buf
}

func writeWordsLE(buf []byte, wordAddr int, words []uint16) {
	byteAddr := wordAddr * 2
	for i, w := range words {
		a := byteAddr + i*2
		if a+1 >= len(buf) {
			break
		}
		buf[a] = byte(w)
		buf[a+1] = byte(w >> 8)
	}
}
