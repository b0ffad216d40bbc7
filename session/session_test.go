/*
 * ppmprog - PPM session engine tests.
 */

package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ppmprog/ppmprog/crc"
	"github.com/ppmprog/ppmprog/session"
	"github.com/ppmprog/ppmprog/transport"
)

// fakeTransport is a minimal in-memory transport.Transport used to
// drive the session engine under full control, the way the teacher's
// channel tests inject fake devices instead of real I/O.
type fakeTransport struct {
	sent      []transport.Frame
	responses []fakeResponse
	recvCalls int
	sleeps    []time.Duration
}

type fakeResponse struct {
	frame transport.Frame
	err   error
}

func (f *fakeTransport) SetBitrate(uint32) error                      { return nil }
func (f *fakeTransport) SendEnterPattern(time.Duration) error         { return nil }
func (f *fakeTransport) SendCalibration() error                       { return nil }
func (f *fakeTransport) Close() error                                 { return nil }
func (f *fakeTransport) SendFrame(frame transport.Frame) error {
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) RecvFrame(time.Duration) (transport.Frame, error) {
	idx := f.recvCalls
	f.recvCalls++
	if idx >= len(f.responses) {
		return transport.Frame{}, transport.ErrTimeout
	}
	r := f.responses[idx]
	return r.frame, r.err
}

func (f *fakeTransport) recordSleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
}

func newEngine(ft *fakeTransport) *session.Engine {
	return &session.Engine{Transport: ft, Sleep: ft.recordSleep}
}

// pageAck builds the 1-word page ack matching seq/checksum.
func pageAck(seq uint16, checksum uint8) transport.Frame {
	return transport.Frame{Kind: transport.Page, Data: []uint16{uint16(seq&0xFF)<<8 | uint16(checksum)}}
}

// sessionAck builds a 4-word session ack, already carrying the +1
// quirk offset so that after the engine's -1 correction it reads back
// as (id<<8|pageSize, pageCount, word2, word3).
func sessionAck(id session.ID, pageSize uint8, pageCount, word2, word3 uint16) transport.Frame {
	word0 := uint16(id)<<8 | uint16(pageSize)
	return transport.Frame{Kind: transport.Session, Data: []uint16{word0 + 1, pageCount, word2, word3}}
}

func TestNoPageFrameWhenPageSizeZero(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{{frame: sessionAck(session.Unlock, 0, 0, 0x8374, 0xBF12)}}}
	e := newEngine(ft)

	if _, err := e.Unlock(session.UnlockDefault()); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	for _, f := range ft.sent {
		if f.Kind == transport.Page {
			t.Fatalf("page frame emitted for a page_size==0 session: %+v", f)
		}
	}
}

func TestSessionAckQuirkCorrected(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{{frame: sessionAck(session.Unlock, 0, 0, 0x8374, 0x1234)}}}
	e := newEngine(ft)

	projectID, err := e.Unlock(session.UnlockDefault())
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if projectID != 0x1234 {
		t.Fatalf("projectID = %#x, want 0x1234", projectID)
	}
}

func TestPageFrameSequenceAndChecksum(t *testing.T) {
	cfg := session.ProgKeysDefault()
	cfg.PageSize = 2
	keys := []uint16{0x0001, 0x0002, 0x0003, 0x0004}

	ft := &fakeTransport{responses: []fakeResponse{
		{frame: pageAck(0, crc.PageChecksum(keys[0:2]))},
		{frame: pageAck(1, crc.PageChecksum(keys[2:4]))},
		{frame: sessionAck(session.ProgKeys, 2, 2, 0xBEBE, 0xBEBE)},
	}}
	e := newEngine(ft)

	if err := e.ProgKeys(cfg, keys); err != nil {
		t.Fatalf("ProgKeys failed: %v", err)
	}

	var pages []transport.Frame
	for _, f := range ft.sent {
		if f.Kind == transport.Page {
			pages = append(pages, f)
		}
	}
	if len(pages) != 2 {
		t.Fatalf("got %d page frames, want 2", len(pages))
	}
	for i, p := range pages {
		wantHeader := uint16(i&0xFF)<<8 | uint16(crc.PageChecksum(keys[i*2:i*2+2]))
		if p.Data[0] != wantHeader {
			t.Errorf("page %d header = %#x, want %#x", i, p.Data[0], wantHeader)
		}
	}
}

func TestFlashProgPageOrderDuplicatesPageZeroLast(t *testing.T) {
	cfg := session.FlashProgDefault(crc.FamilyAmalthea)
	cfg.PageSize = 2
	flash := []uint16{0x1111, 0x2222, 0x3333, 0x4444, 0x5555, 0x6666}

	flashCRC := crc.CRC24(crc.FamilyAmalthea, flash, 1)
	offset := uint16((flashCRC >> 16) & 0xFF)
	checksum := uint16(flashCRC)

	ft := &fakeTransport{responses: []fakeResponse{
		{frame: pageAck(0, crc.PageChecksum(flash[2:4]))},
		{frame: pageAck(1, crc.PageChecksum(flash[4:6]))},
		{frame: pageAck(2, crc.PageChecksum(flash[0:2]))},
		{frame: sessionAck(session.FlashProg, 2, 3, offset, checksum)},
	}}
	e := newEngine(ft)

	if err := e.FlashProg(cfg, crc.FamilyAmalthea, flash); err != nil {
		t.Fatalf("FlashProg failed: %v", err)
	}

	var order [][]uint16
	for _, f := range ft.sent {
		if f.Kind == transport.Page {
			order = append(order, f.Data[1:])
		}
	}
	want := [][]uint16{{0x3333, 0x4444}, {0x5555, 0x6666}, {0x1111, 0x2222}}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("page payload order mismatch (-want +got):\n%s", diff)
	}
}

func TestPageRetryExhaustionAbandonsRemainingPages(t *testing.T) {
	cfg := session.ProgKeysDefault()
	cfg.PageSize = 2
	cfg.PageRetry = 3
	keys := []uint16{0x0001, 0x0002, 0x0003, 0x0004}

	ft := &fakeTransport{} // every RecvFrame call times out
	e := newEngine(ft)

	err := e.ProgKeys(cfg, keys)
	if err == nil {
		t.Fatal("expected error from exhausted page retries")
	}

	pageFrames := 0
	for _, f := range ft.sent {
		if f.Kind == transport.Page {
			pageFrames++
		}
	}
	if pageFrames != int(cfg.PageRetry) {
		t.Fatalf("sent %d page frames, want exactly page_retry=%d (no attempt at page 1)", pageFrames, cfg.PageRetry)
	}
}

func TestNoAckModeNeverCallsRecvFrame(t *testing.T) {
	cfg := session.ChipResetDefault()
	cfg.RequestAck = false

	ft := &fakeTransport{}
	e := newEngine(ft)

	if _, err := e.ChipReset(cfg); err != nil {
		t.Fatalf("ChipReset failed: %v", err)
	}
	if ft.recvCalls != 0 {
		t.Fatalf("RecvFrame called %d times in no-ack mode, want 0", ft.recvCalls)
	}
	if len(ft.sleeps) != 1 || ft.sleeps[0] != cfg.SessionAckTimeout {
		t.Fatalf("sleeps = %v, want [%v]", ft.sleeps, cfg.SessionAckTimeout)
	}
}

func TestEepromProgPageOffsetFormula(t *testing.T) {
	cfg := session.EepromProgDefault()
	cfg.PageSize = 1
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	ft := &fakeTransport{responses: []fakeResponse{
		{frame: pageAck(0, crc.PageChecksum([]uint16{0xBBAA}))},
		{frame: pageAck(1, crc.PageChecksum([]uint16{0xDDCC}))},
		{frame: sessionAck(session.EepromProg, 1, 2, 2, crc.CRC16(data, 0x1D0F))},
	}}
	e := newEngine(ft)

	if err := e.EepromProg(cfg, 4, data); err != nil {
		t.Fatalf("EepromProg failed: %v", err)
	}

	sessionFrame := ft.sent[0]
	if sessionFrame.Kind != transport.Session {
		t.Fatalf("first frame sent was not a session frame: %+v", sessionFrame)
	}
	if got, want := sessionFrame.Data[2], uint16(2); got != want {
		t.Fatalf("offset = %d, want %d (4 bytes / 2 / page_size=1)", got, want)
	}
}

func TestFlashCrcTransmitsLengthDerivedPageCount(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{
		{frame: sessionAck(session.FlashCrc, 0, 128, 0x00, 0xBEEF)},
	}}
	e := newEngine(ft)

	got, err := e.FlashCrc(session.FlashCrcDefault(), 256)
	if err != nil {
		t.Fatalf("FlashCrc failed: %v", err)
	}
	if got != 0xBEEF {
		t.Fatalf("crc = %#x, want 0xBEEF", got)
	}

	sessionFrame := ft.sent[0]
	if got, want := sessionFrame.Data[1], uint16(128); got != want {
		t.Fatalf("page_count = %d, want %d (ceil(256 bytes / 2))", got, want)
	}
	for _, f := range ft.sent {
		if f.Kind == transport.Page {
			t.Fatalf("FlashCrc must never emit a page frame: %+v", f)
		}
	}
}

func TestEepromCrcPageCountMismatchFails(t *testing.T) {
	// Target echoes a stale page_count that does not match what the
	// host computed from length; handleSession must reject the ack.
	ft := &fakeTransport{responses: []fakeResponse{
		{frame: sessionAck(session.EepromCrc, 0, 1, 0, 0x4321)},
	}}
	e := newEngine(ft)

	if _, err := e.EepromCrc(session.EepromCrcDefault(), 0, 8); err == nil {
		t.Fatal("expected page_count mismatch error")
	}
}

func TestSessionAckMismatchIsReported(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{{frame: sessionAck(session.ChipReset, 0, 99, 0, 0)}}}
	e := newEngine(ft)

	_, err := e.ChipReset(session.ChipResetDefault())
	if err == nil {
		t.Fatal("expected error on page_count mismatch in session ack")
	}
	if errors.Is(err, transport.ErrTimeout) {
		t.Fatal("mismatch should not be reported as a timeout")
	}
}
