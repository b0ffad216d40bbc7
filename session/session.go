/*
 * ppmprog - PPM session engine.
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

// Package session implements the PPM session/page frame protocol: one
// session frame followed by zero or more page frames, each optionally
// acknowledged, followed by an optional session acknowledgement. The
// ten session variants (Unlock, ProgKeys, FlashProg, EepromProg,
// FlashCsProg, FlashCrc, EepromCrc, FlashCsCrc, ChipReset, plus the
// IumProg/IumCrc timing variants of EepromProg/EepromCrc) are built on
// top of one shared state machine, handleSession.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ppmprog/ppmprog/crc"
	"github.com/ppmprog/ppmprog/internal/logging"
	"github.com/ppmprog/ppmprog/transport"
)

// ID is the 7-bit wire session identifier. The high bit of the
// transmitted session command byte is reserved for the request-ack
// flag and is never part of ID itself.
type ID uint8

// Session identifiers, bit-exact with the wire protocol.
const (
	ProgKeys ID = 0x03
	FlashProg   ID = 0x04
	EepromProg  ID = 0x06
	FlashCsProg ID = 0x07
	// RamProg is defined by the protocol but never dispatched by the
	// programming orchestrator; no chip descriptor references it.
	RamProg    ID = 0x08
	FlashCrc   ID = 0x43
	Unlock     ID = 0x44
	ChipReset  ID = 0x45
	EepromCrc  ID = 0x47
	FlashCsCrc ID = 0x48
)

func (id ID) String() string {
	switch id {
	case ProgKeys:
		return "prog_keys"
	case FlashProg:
		return "flash_prog"
	case EepromProg:
		return "eeprom_prog"
	case FlashCsProg:
		return "flash_cs_prog"
	case RamProg:
		return "ram_prog"
	case FlashCrc:
		return "flash_crc"
	case Unlock:
		return "unlock"
	case ChipReset:
		return "chip_reset"
	case EepromCrc:
		return "eeprom_crc"
	case FlashCsCrc:
		return "flash_cs_crc"
	default:
		return "unknown"
	}
}

// Config is the per-session timing and framing template. It is the Go
// analogue of ppm_session_config_t: everything handleSession needs to
// run one session to completion.
type Config struct {
	ID                ID
	PageSize          uint8
	RequestAck        bool
	PageRetry         uint8
	Page0AckTimeout   time.Duration
	PageXAckTimeout   time.Duration
	SessionAckTimeout time.Duration
	// CRCFamily records the 24-bit flash CRC variant a FlashProg
	// template was built for. FlashProg takes the family as an explicit
	// argument and does not read this field; every other session
	// computes its checksum with crc.CRC16 or none at all.
	CRCFamily crc.Family
}

// Default session templates, bit-exact with the protocol's published
// timing table. Flash programming has one default per chip family
// since the 24-bit CRC polynomial differs by family.

func UnlockDefault() Config {
	return Config{ID: Unlock, RequestAck: true, PageRetry: 5, SessionAckTimeout: 10 * time.Millisecond}
}

func ProgKeysDefault() Config {
	return Config{
		ID: ProgKeys, PageSize: 8, RequestAck: true, PageRetry: 1,
		Page0AckTimeout: 25 * time.Millisecond, PageXAckTimeout: 10 * time.Millisecond,
		SessionAckTimeout: 10 * time.Millisecond,
	}
}

func FlashProgDefault(family crc.Family) Config {
	return Config{
		ID: FlashProg, PageSize: 64, RequestAck: true, PageRetry: 5,
		Page0AckTimeout: 100 * time.Millisecond, PageXAckTimeout: 10 * time.Millisecond,
		SessionAckTimeout: 10 * time.Millisecond, CRCFamily: family,
	}
}

func EepromProgDefault() Config {
	return Config{
		ID: EepromProg, PageSize: 4, RequestAck: true, PageRetry: 5,
		Page0AckTimeout: 15 * time.Millisecond, PageXAckTimeout: 15 * time.Millisecond,
		SessionAckTimeout: 17 * time.Millisecond,
	}
}

// IumProgDefault shares EepromProg's wire session ID; IUM memory is
// addressed through the same programming session with different
// timing and page size.
func IumProgDefault() Config {
	return Config{
		ID: EepromProg, PageSize: 64, RequestAck: true, PageRetry: 5,
		Page0AckTimeout: 8 * time.Millisecond, PageXAckTimeout: 8 * time.Millisecond,
		SessionAckTimeout: 10 * time.Millisecond,
	}
}

func FlashCsProgDefault() Config {
	return Config{
		ID: FlashCsProg, PageSize: 64, RequestAck: true, PageRetry: 5,
		Page0AckTimeout: 50 * time.Millisecond, PageXAckTimeout: 7 * time.Millisecond,
		SessionAckTimeout: 15 * time.Millisecond,
	}
}

func FlashCrcDefault() Config {
	return Config{ID: FlashCrc, RequestAck: true, PageRetry: 5, SessionAckTimeout: 5 * time.Millisecond}
}

func EepromCrcDefault() Config {
	return Config{ID: EepromCrc, RequestAck: true, PageRetry: 5, SessionAckTimeout: 5 * time.Millisecond}
}

// IumCrcDefault shares EepromCrc's wire session ID, differing only in
// session ack timeout.
func IumCrcDefault() Config {
	return Config{ID: EepromCrc, RequestAck: true, PageRetry: 5, SessionAckTimeout: 8 * time.Millisecond}
}

func FlashCsCrcDefault() Config {
	return Config{ID: FlashCsCrc, RequestAck: true, PageRetry: 5, SessionAckTimeout: 5 * time.Millisecond}
}

func ChipResetDefault() Config {
	return Config{ID: ChipReset, RequestAck: true, PageRetry: 5, SessionAckTimeout: 10 * time.Millisecond}
}

// Internal diagnostic causes. Engine methods return these values (a
// transport send failure wraps errTransportSend), so errors.Is can
// tell them apart; programmer.DoAction reduces any error to a
// ppmerr.Code.
var (
	errPageTimeout        = errors.New("session: page programming failed after retries")
	errSessionAckMismatch = errors.New("session: session acknowledge missing or content mismatch")
	errWrongFrameKind     = errors.New("session: unexpected frame kind in response")
	errTransportSend      = errors.New("session: transport send failed")
)

// Engine drives the session/page state machine over a transport.
type Engine struct {
	Transport transport.Transport
	Logger    *slog.Logger
	// Sleep stands in for the no-ack-mode fixed delay (vTaskDelay in
	// the original). Tests inject a scheduler-backed Sleep so no
	// wall-clock time passes; nil defaults to time.Sleep.
	Sleep func(time.Duration)
}

func (e *Engine) sleep(d time.Duration) {
	if e.Sleep != nil {
		e.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Unlock runs the unlock session, returning the target's project ID
// when an acknowledgement was requested and received.
func (e *Engine) Unlock(cfg Config) (uint16, error) {
	ack, err := e.handleSession(cfg, 0x8374, 0xBF12, nil, 0)
	if err != nil {
		return 0, err
	}
	if ack == nil {
		return 0, nil
	}
	if len(ack) != 4 {
		return 0, errSessionAckMismatch
	}
	return ack[3], nil
}

// ProgKeys uploads the flash programming keys.
func (e *Engine) ProgKeys(cfg Config, keys []uint16) error {
	ack, err := e.handleSession(cfg, 0xBEBE, 0xBEBE, keys, len(keys))
	if err != nil {
		return err
	}
	if ack == nil {
		return nil
	}
	if len(ack) != 4 || ack[2] != 0xBEBE || ack[3] != 0xBEBE {
		return errSessionAckMismatch
	}
	return nil
}

// FlashProg uploads flashWords (one entry per flash word), transmitting
// pages in the order 1, 2, ..., N-1, 0: page 0 is withheld until last so
// the target never runs partially-erased code written by a page-0 write
// that was interrupted midway through the rest of the image.
func (e *Engine) FlashProg(cfg Config, family crc.Family, flashWords []uint16) error {
	n := len(flashWords)
	pageSize := int(cfg.PageSize)
	flashCRC := crc.CRC24(family, flashWords, 1)

	reordered := flashWords
	if n > 0 && pageSize > 0 && pageSize <= n {
		reordered = make([]uint16, n)
		copy(reordered, flashWords[pageSize:])
		copy(reordered[n-pageSize:], flashWords[:pageSize])
	}

	offset := uint16((flashCRC >> 16) & 0xFF)
	checksum := uint16(flashCRC)

	ack, err := e.handleSession(cfg, offset, checksum, reordered, len(reordered))
	if err != nil {
		return err
	}
	if ack == nil {
		return nil
	}
	if len(ack) != 4 || ack[2] != offset || ack[3] != checksum {
		return errSessionAckMismatch
	}
	return nil
}

// EepromProg uploads dataBytes starting at byte offset memOffset.
func (e *Engine) EepromProg(cfg Config, memOffset uint16, dataBytes []byte) error {
	pageOffset := ceilDivUint(uint32(memOffset), 2*uint32(cfg.PageSize))
	eepromCRC := crc.CRC16(dataBytes, 0x1D0F)
	words := bytesToWordsLE(dataBytes)

	ack, err := e.handleSession(cfg, uint16(pageOffset), eepromCRC, words, len(words))
	if err != nil {
		return err
	}
	if ack == nil {
		return nil
	}
	if len(ack) != 4 || ack[3] != eepromCRC {
		return errSessionAckMismatch
	}
	return nil
}

// FlashCsProg uploads dataBytes to the customer-space flash region.
func (e *Engine) FlashCsProg(cfg Config, dataBytes []byte) error {
	checksum := crc.CRC16(dataBytes, 0x1D0F)
	words := bytesToWordsLE(dataBytes)

	ack, err := e.handleSession(cfg, 0, checksum, words, len(words))
	if err != nil {
		return err
	}
	if ack == nil {
		return nil
	}
	if len(ack) != 4 || ack[2] != 0 || ack[3] != checksum {
		return errSessionAckMismatch
	}
	return nil
}

// FlashCrc asks the target to compute a 24-bit CRC over its flash
// memory starting from address 0. length (bytes) determines the
// page_count word transmitted in the session header, echoed back in
// the session ack; no page frames are ever sent for this session since
// it carries no page data.
func (e *Engine) FlashCrc(cfg Config, length int) (uint32, error) {
	ack, err := e.handleSession(cfg, 0, 0, nil, ceilDivInt(length, 2))
	if err != nil {
		return 0, err
	}
	if ack == nil {
		return 0, nil
	}
	if len(ack) != 4 {
		return 0, errSessionAckMismatch
	}
	return uint32(ack[2]&0xFF)<<16 | uint32(ack[3]), nil
}

// EepromCrc asks the target to compute a 16-bit CRC over a page-aligned
// EEPROM range. cfg.PageSize must match the page size used to program
// the range being verified; a zero PageSize (the bare EepromCrcDefault
// template) makes offset meaningless and always reads from page 0.
// length (bytes) determines the page_count word transmitted in the
// session header.
func (e *Engine) EepromCrc(cfg Config, offset uint16, length int) (uint16, error) {
	pageOffset := ceilDivUint(uint32(offset), 2*uint32(cfg.PageSize))

	ack, err := e.handleSession(cfg, uint16(pageOffset), 0, nil, ceilDivInt(length, 2))
	if err != nil {
		return 0, err
	}
	if ack == nil {
		return 0, nil
	}
	if len(ack) != 4 {
		return 0, errSessionAckMismatch
	}
	return ack[3], nil
}

// FlashCsCrc asks the target to compute a 16-bit CRC over its
// customer-space flash region. length (bytes) determines the page_count
// word transmitted in the session header.
func (e *Engine) FlashCsCrc(cfg Config, length int) (uint16, error) {
	ack, err := e.handleSession(cfg, 0, 0, nil, ceilDivInt(length, 2))
	if err != nil {
		return 0, err
	}
	if ack == nil {
		return 0, nil
	}
	if len(ack) != 4 {
		return 0, errSessionAckMismatch
	}
	return ack[3], nil
}

// ChipReset asks the target to leave the bootloader and run its
// application. It is always attempted by the programming orchestrator,
// success or failure, as the last step of every DoAction invocation.
func (e *Engine) ChipReset(cfg Config) (uint16, error) {
	ack, err := e.handleSession(cfg, 0, 0, nil, 0)
	if err != nil {
		return 0, err
	}
	if ack == nil {
		return 0, nil
	}
	if len(ack) != 4 {
		return 0, errSessionAckMismatch
	}
	return ack[3], nil
}

// handleSession runs one complete session: the session frame, any page
// frames with per-page retry, and the session acknowledgement. A nil,
// nil return means the session was not configured to request an
// acknowledgement and is therefore unconditionally successful.
//
// wordCount is the session's conceptual payload size in 16-bit words,
// used to compute the page_count word transmitted in the session
// header. It usually equals len(pageData), but the three read-CRC
// sessions pass pageData as nil with wordCount derived from the byte
// range being verified: with no page data, page_count is wordCount
// itself rather than a page-size division (EepromCrc's PageSize only
// scales its offset word), and since pageData is nil no page frames
// are ever sent for them.
func (e *Engine) handleSession(cfg Config, offset, checksum uint16, pageData []uint16, wordCount int) ([]uint16, error) {
	var pageCount uint16
	if cfg.PageSize != 0 && pageData != nil {
		pageCount = uint16(ceilDivUint(uint32(wordCount), uint32(cfg.PageSize)))
	} else {
		pageCount = uint16(wordCount)
	}

	sessionLog := logging.SessionLogger(e.logger(), uint8(cfg.ID), cfg.ID.String())

	if err := e.sendSessionFrame(cfg, pageCount, offset, checksum); err != nil {
		sessionLog.Error("session frame send failed", "error", err)
		return nil, fmt.Errorf("%w: %v", errTransportSend, err)
	}

	pageSuccess := true
	if len(pageData) > 0 && pageCount != 0 {
		pageSuccess = e.runPages(cfg, pageData, pageCount)
	}

	if !pageSuccess {
		sessionLog.Error("page programming failed after retries")
		return nil, errPageTimeout
	}

	if !cfg.RequestAck {
		e.sleep(cfg.SessionAckTimeout)
		return nil, nil
	}

	ack, err := e.recvSessionAck(cfg.SessionAckTimeout)
	if err != nil {
		sessionLog.Error("no session ack received", "error", err)
		return nil, err
	}

	want0 := uint16(cfg.ID)<<8 | uint16(cfg.PageSize)
	if ack[0] != want0 || ack[1] != pageCount {
		sessionLog.Error("session ack content mismatch")
		return nil, errSessionAckMismatch
	}
	return ack, nil
}

func (e *Engine) runPages(cfg Config, pageData []uint16, pageCount uint16) bool {
	pageSize := int(cfg.PageSize)
	for seq := uint16(0); seq < pageCount; seq++ {
		start := int(seq) * pageSize
		end := start + pageSize
		if end > len(pageData) {
			end = len(pageData)
		}
		word := make([]uint16, pageSize)
		copy(word, pageData[start:end])
		pageChecksum := crc.PageChecksum(word)

		timeout := cfg.PageXAckTimeout
		if seq == 0 {
			timeout = cfg.Page0AckTimeout
		}

		if e.sendOnePage(cfg, seq, pageChecksum, word, timeout) {
			continue
		}
		return false
	}
	return true
}

func (e *Engine) sendOnePage(cfg Config, seq uint16, pageChecksum uint8, word []uint16, timeout time.Duration) bool {
	for retry := uint8(0); retry < cfg.PageRetry; retry++ {
		if err := e.sendPageFrame(uint8(seq), pageChecksum, word); err != nil {
			continue
		}

		if !cfg.RequestAck {
			e.sleep(timeout)
			return true
		}

		ack, err := e.Transport.RecvFrame(timeout)
		if err == nil && ack.Kind == transport.Page && len(ack.Data) > 0 {
			want := uint16(seq&0xFF)<<8 | uint16(pageChecksum)
			if ack.Data[0] == want {
				return true
			}
		}
	}
	return false
}

func (e *Engine) sendSessionFrame(cfg Config, pageCount, offset, checksum uint16) error {
	cmd := uint8(cfg.ID)
	if cfg.RequestAck {
		cmd |= 0x80
	}
	frame := transport.Frame{
		Kind: transport.Session,
		Data: []uint16{uint16(cmd)<<8 | uint16(cfg.PageSize), pageCount, offset, checksum},
	}
	return e.Transport.SendFrame(frame)
}

func (e *Engine) sendPageFrame(seq uint8, pageChecksum uint8, words []uint16) error {
	data := make([]uint16, 1+len(words))
	data[0] = uint16(seq)<<8 | uint16(pageChecksum)
	copy(data[1:], words)
	return e.Transport.SendFrame(transport.Frame{Kind: transport.Page, Data: data})
}

// recvSessionAck waits for the session acknowledgement and applies the
// -1 workaround for the target-side off-by-one bug tracked as
// MLX81332-77: the first word of every session ack is one higher than
// intended, so it is decremented here, once, before any caller
// compares it against an expected header.
func (e *Engine) recvSessionAck(timeout time.Duration) ([]uint16, error) {
	frame, err := e.Transport.RecvFrame(timeout)
	if err != nil {
		return nil, err
	}
	if len(frame.Data) == 0 {
		return nil, errSessionAckMismatch
	}

	data := append([]uint16(nil), frame.Data...)
	data[0]--

	if frame.Kind != transport.Session {
		return nil, errWrongFrameKind
	}
	return data, nil
}

func bytesToWordsLE(data []byte) []uint16 {
	words := make([]uint16, (len(data)+1)/2)
	for i := range words {
		lo := data[i*2]
		var hi byte
		if i*2+1 < len(data) {
			hi = data[i*2+1]
		}
		words[i] = uint16(lo) | uint16(hi)<<8
	}
	return words
}

func ceilDivUint(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func ceilDivInt(a, b int) int {
	if b == 0 || a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
