/*
 * ppmprog - Programming orchestrator.
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

// Package programmer implements the high-level do_action flow: enter
// the target's PPM bootloader, program or verify one memory region,
// then leave the bootloader, by composing the session engine's ten
// session variants in the protocol-mandated order.
package programmer

import (
	"log/slog"
	"math"
	"time"

	"github.com/ppmprog/ppmprog/chip"
	"github.com/ppmprog/ppmprog/crc"
	"github.com/ppmprog/ppmprog/intelhex"
	"github.com/ppmprog/ppmprog/ppmerr"
	"github.com/ppmprog/ppmprog/session"
	"github.com/ppmprog/ppmprog/transport"
)

// Memory names the three programmable regions a DoAction invocation
// can target.
type Memory int

const (
	Flash Memory = iota
	FlashCs
	NvRam
)

func (m Memory) String() string {
	switch m {
	case Flash:
		return "flash"
	case FlashCs:
		return "flash_cs"
	case NvRam:
		return "nv_ram"
	default:
		return "unknown"
	}
}

// Action names the two operations a DoAction invocation can perform
// against a Memory.
type Action int

const (
	Program Action = iota
	Verify
)

func (a Action) String() string {
	if a == Verify {
		return "verify"
	}
	return "program"
}

// PowerControl is the weak-callout chip-power capability: two
// injected functions rather than a global. The zero value is the
// default no-op pair used when the caller drives power manually.
type PowerControl struct {
	Enable  func(on bool)
	Powered func() bool
}

// NoPower is the default PowerControl: chip power is assumed to
// already be under manual control, so every call is a no-op.
var NoPower = PowerControl{
	Enable:  func(bool) {},
	Powered: func() bool { return false },
}

func (p PowerControl) enable(on bool) {
	if p.Enable != nil {
		p.Enable(on)
	}
}

func (p PowerControl) powered() bool {
	if p.Powered != nil {
		return p.Powered()
	}
	return false
}

// Orchestrator composes the session engine, a transport, a chip
// catalogue and the power capability into one do_action invocation.
// It owns the transport exclusively for the duration of DoAction; the
// caller must not drive the same transport concurrently.
type Orchestrator struct {
	Engine    *session.Engine
	Transport transport.Transport
	Chips     chip.Catalogue
	Power     PowerControl
	Logger    *slog.Logger
	// Sleep stands in for the fixed power/settle delays. nil defaults
	// to time.Sleep; tests inject a scheduler-backed stand-in so no
	// wall-clock time passes.
	Sleep func(time.Duration)

	// BroadcastChip must be set by the caller before a broadcast
	// invocation. Broadcast mode disables every session ack, so
	// Unlock never actually learns a project ID on the wire; the
	// original C reads the ack's project-id word regardless and
	// carries whatever uninitialized value happened to be on the
	// stack. Rather than reproduce that, broadcast mode looks the
	// chip up here instead of through Unlock's return value.
	BroadcastChip *chip.Descriptor
}

func (o *Orchestrator) sleep(d time.Duration) {
	if o.Sleep != nil {
		o.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

const (
	powerDownSettle    = 100 * time.Millisecond
	bootloaderSettle   = 5 * time.Millisecond
	enterPatternManual = 100 * time.Millisecond
	enterPatternAuto   = 50 * time.Millisecond
)

// DoAction enters the target's bootloader, programs or verifies the
// requested memory, and always attempts to leave the bootloader again
// before returning, mirroring ppmbtl_doAction's always-run exit leg.
func (o *Orchestrator) DoAction(manualPower, broadcast bool, bitrate uint32, memory Memory, action Action, hexImage *intelhex.Image) ppmerr.Code {
	descriptor, code := o.enterProgrammingMode(manualPower, broadcast, bitrate)
	if code != ppmerr.OK {
		o.exitProgrammingMode(manualPower, broadcast)
		return code
	}

	code = o.dispatch(descriptor, memory, action, hexImage)

	o.exitProgrammingMode(manualPower, broadcast)
	return code
}

// enterProgrammingMode runs the power/wake/unlock sequence shared by
// every DoAction invocation and returns the resolved chip descriptor.
func (o *Orchestrator) enterProgrammingMode(manualPower, broadcast bool, bitrate uint32) (*chip.Descriptor, ppmerr.Code) {
	if !manualPower && o.Power.powered() {
		o.Power.enable(false)
		o.sleep(powerDownSettle)
	}

	patternTime := enterPatternAuto
	if manualPower {
		patternTime = enterPatternManual
	}
	if !manualPower {
		o.Power.enable(true)
	}
	if err := o.Transport.SendEnterPattern(patternTime); err != nil {
		o.logger().Error("enter ppm pattern failed", "error", err)
		return nil, ppmerr.EnterPPM
	}

	o.sleep(bootloaderSettle)

	if err := o.Transport.SetBitrate(bitrate); err != nil {
		o.logger().Error("set bitrate failed", "error", err, "bitrate", bitrate)
		return nil, ppmerr.SetBaud
	}

	if err := o.Transport.SendCalibration(); err != nil {
		o.logger().Error("calibration failed", "error", err)
		return nil, ppmerr.Calibration
	}

	unlockCfg := session.UnlockDefault()
	unlockCfg.RequestAck = !broadcast
	projectID, err := o.Engine.Unlock(unlockCfg)
	if err != nil {
		o.logger().Error("unlock failed", "error", err)
		return nil, ppmerr.Unlock
	}

	if broadcast {
		if o.BroadcastChip == nil {
			o.logger().Error("broadcast mode requires a pre-selected chip descriptor")
			return nil, ppmerr.ChipNotSupported
		}
		return o.BroadcastChip, ppmerr.OK
	}

	descriptor, ok := o.Chips.Lookup(projectID)
	if !ok || descriptor.Loader == nil {
		o.logger().Error("chip not supported", "project_id", projectID)
		return nil, ppmerr.ChipNotSupported
	}
	return descriptor, ppmerr.OK
}

// exitProgrammingMode always attempts a ChipReset, best-effort, then
// powers the chip down unless the caller is driving power manually.
func (o *Orchestrator) exitProgrammingMode(manualPower, broadcast bool) {
	resetCfg := session.ChipResetDefault()
	resetCfg.RequestAck = !broadcast
	if _, err := o.Engine.ChipReset(resetCfg); err != nil {
		o.logger().Warn("chip reset failed on exit", "error", err)
	}
	if !manualPower {
		o.Power.enable(false)
	}
}

func (o *Orchestrator) dispatch(d *chip.Descriptor, memory Memory, action Action, hexImage *intelhex.Image) ppmerr.Code {
	switch memory {
	case Flash:
		return o.doFlash(d, action, hexImage)
	case FlashCs:
		return o.doFlashCs(d, action, hexImage)
	case NvRam:
		return o.doNvRam(d, action, hexImage)
	default:
		return ppmerr.ActionNotSupported
	}
}

func inRange(hexImage *intelhex.Image, start, length uint32) bool {
	if hexImage.Empty() || length == 0 {
		return false
	}
	end := start + length - 1
	return hexImage.MaxAddress() >= start && hexImage.MinAddress() <= end
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func ceilMs(v float64) time.Duration {
	return time.Duration(math.Ceil(v)) * time.Millisecond
}

func (o *Orchestrator) doFlash(d *chip.Descriptor, action Action, hexImage *intelhex.Image) ppmerr.Code {
	region := d.Flash
	flashLen := region.Length
	if !inRange(hexImage, region.Start, flashLen) {
		o.logger().Error("hex image has no data in flash range")
		return ppmerr.MissingData
	}

	if action == Program {
		if code := o.runProgKeys(d); code != ppmerr.OK {
			return code
		}
	}

	dense := hexImage.GetFilled(region.Start, flashLen)
	words := bytesToWordsLE(dense)

	if action == Verify {
		want := crc.CRC24(d.Family, words, 1)
		got, err := o.Engine.FlashCrc(session.FlashCrcDefault(), int(flashLen))
		if err != nil {
			o.logger().Error("flash crc session failed", "error", err)
			return ppmerr.VerifyFailed
		}
		if got != want {
			o.logger().Error("flash crc mismatch", "want", want, "got", got)
			return ppmerr.VerifyFailed
		}
		return ppmerr.OK
	}

	cfg := session.FlashProgDefault(d.Family)
	cfg.PageSize = uint8(region.Page / 2)
	cfg.Page0AckTimeout = ceilMs(float64(flashLen) / float64(region.EraseUnit) * float64(region.EraseTimeMs) * 1.25)
	cfg.PageXAckTimeout = ceilMs(float64(region.WriteTimeMs) * 1.25)
	cfg.SessionAckTimeout = cfg.PageXAckTimeout + ceilMs(float64(flashLen)*6.25e-5)

	if err := o.Engine.FlashProg(cfg, d.Family, words); err != nil {
		o.logger().Error("flash program failed", "error", err)
		return ppmerr.ProgrammingFailed
	}
	return ppmerr.OK
}

func (o *Orchestrator) doFlashCs(d *chip.Descriptor, action Action, hexImage *intelhex.Image) ppmerr.Code {
	if d.Loader == nil || !d.Loader.FlashCsProgrammingSession {
		o.logger().Error("chip does not support flash-cs programming")
		return ppmerr.ActionNotSupported
	}
	region := d.FlashCs

	if hexImage.Empty() {
		return ppmerr.MissingData
	}
	length := hexImage.MaxAddress() - region.Start + 1
	if length > region.Writeable {
		length = region.Writeable
	}
	length = ceilDiv(length, region.Page) * region.Page
	if !inRange(hexImage, region.Start, length) {
		return ppmerr.MissingData
	}

	dense := hexImage.GetFilled(region.Start, length)

	cfg := session.FlashCsProgDefault()
	cfg.PageSize = uint8(region.Page / 2)

	if action == Verify {
		want := crc.CRC16(dense, 0x1D0F)
		got, err := o.Engine.FlashCsCrc(session.FlashCsCrcDefault(), int(length))
		if err != nil {
			o.logger().Error("flash-cs crc session failed", "error", err)
			return ppmerr.VerifyFailed
		}
		if got != want {
			o.logger().Error("flash-cs crc mismatch", "want", want, "got", got)
			return ppmerr.VerifyFailed
		}
		return ppmerr.OK
	}

	if err := o.Engine.FlashCsProg(cfg, dense); err != nil {
		o.logger().Error("flash-cs program failed", "error", err)
		return ppmerr.ProgrammingFailed
	}
	return ppmerr.OK
}

// doNvRam walks [nv.start, nv.start+nv.writeable) in page-sized steps,
// accumulating consecutive occupied pages into a run and flushing each
// run as its own EepromProg/EepromCrc session at the first empty page
// that follows it. Each run's accumulated bytes are independent: the
// buffer is reset after every flush rather than carried into the next
// run, so a sparse image never re-verifies stale bytes from an earlier
// run (the source's inner loop does not reset this between flushes;
// this is a deliberate deviation, not a reproduction).
func (o *Orchestrator) doNvRam(d *chip.Descriptor, action Action, hexImage *intelhex.Image) ppmerr.Code {
	if action == Verify && (d.Loader == nil || !d.Loader.EepromVerificationSession) {
		o.logger().Error("chip does not support eeprom verification")
		return ppmerr.ActionNotSupported
	}
	region := d.NvMemory
	pageBytes := region.Page
	if pageBytes == 0 {
		return ppmerr.MissingData
	}

	if action == Program {
		if code := o.runProgKeys(d); code != ppmerr.OK {
			return code
		}
	}

	var pageSizeWords uint8
	if pageBytes/2 <= math.MaxUint8 {
		pageSizeWords = uint8(pageBytes / 2)
	}

	ranFlush := false
	var runStart uint32
	var runBytes []byte
	haveRun := false

	flush := func(runEnd uint32) ppmerr.Code {
		if !haveRun {
			return ppmerr.OK
		}
		ranFlush = true
		code := o.flushNvRun(d, action, pageSizeWords, runStart-region.Start, runBytes)
		haveRun = false
		runBytes = nil
		return code
	}

	for addr := region.Start; addr < region.Start+region.Writeable; addr += pageBytes {
		occupied := hexImage.CountInRange(addr, pageBytes) > 0
		if !occupied {
			if code := flush(addr); code != ppmerr.OK {
				return code
			}
			continue
		}
		if !haveRun {
			haveRun = true
			runStart = addr
			runBytes = nil
		}
		runBytes = append(runBytes, hexImage.GetFilled(addr, pageBytes)...)
	}
	if code := flush(region.Start + region.Writeable); code != ppmerr.OK {
		return code
	}

	if !ranFlush {
		return ppmerr.MissingData
	}
	return ppmerr.OK
}

// flushNvRun programs or verifies one accumulated run. memOffset is
// the run's start address in bytes, relative to the start of the
// nv_memory region; EepromProg/EepromCrc derive the wire page-offset
// word from it internally (offset_bytes / 2 / page_size_words, per
// the per-session table).
func (o *Orchestrator) flushNvRun(d *chip.Descriptor, action Action, pageSizeWords uint8, memOffset uint32, runBytes []byte) ppmerr.Code {
	if action == Verify {
		cfg := session.EepromCrcDefault()
		cfg.PageSize = pageSizeWords
		want := crc.CRC16(runBytes, 0x1D0F)
		got, err := o.Engine.EepromCrc(cfg, uint16(memOffset), len(runBytes))
		if err != nil {
			o.logger().Error("eeprom crc session failed", "error", err)
			return ppmerr.VerifyFailed
		}
		if got != want {
			o.logger().Error("eeprom crc mismatch", "want", want, "got", got)
			return ppmerr.VerifyFailed
		}
		return ppmerr.OK
	}

	cfg := session.EepromProgDefault()
	cfg.PageSize = pageSizeWords
	cfg.Page0AckTimeout = ceilMs(float64(d.NvMemory.WriteTimeMs) * 1.25)
	cfg.PageXAckTimeout = cfg.Page0AckTimeout
	cfg.SessionAckTimeout = cfg.PageXAckTimeout

	if err := o.Engine.EepromProg(cfg, uint16(memOffset), runBytes); err != nil {
		o.logger().Error("eeprom program failed", "error", err)
		return ppmerr.ProgrammingFailed
	}
	return ppmerr.OK
}

func (o *Orchestrator) runProgKeys(d *chip.Descriptor) ppmerr.Code {
	if d.Loader == nil || !d.Loader.HasProgKeys() {
		o.logger().Error("chip has no prog_keys capability")
		return ppmerr.MissingData
	}
	if err := o.Engine.ProgKeys(session.ProgKeysDefault(), d.Loader.ProgKeys); err != nil {
		o.logger().Error("prog_keys session failed", "error", err)
		return ppmerr.ProgrammingFailed
	}
	return ppmerr.OK
}

func bytesToWordsLE(b []byte) []uint16 {
	n := (len(b) + 1) / 2
	words := make([]uint16, n)
	for i := range words {
		lo := b[i*2]
		var hi byte
		if i*2+1 < len(b) {
			hi = b[i*2+1]
		}
		words[i] = uint16(lo) | uint16(hi)<<8
	}
	return words
}

