/*
 * ppmprog - PPM frame transport contract.
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

// Package transport defines the frame-level contract the session
// engine drives: entering PPM mode, sending calibration/session/page
// frames, and receiving acknowledgement frames with a timeout. Two
// implementations satisfy it: transport/gpiobus for real hardware and
// transport/simbus for deterministic tests.
package transport

import "time"

// FrameKind tags the four frame shapes the wire protocol carries.
type FrameKind uint8

// Wire-exact frame kind tags.
const (
	Session  FrameKind = 0
	Page     FrameKind = 1
	Calibration FrameKind = 2
	EnterPpm FrameKind = 3
	Unknown  FrameKind = 0xFF
)

func (k FrameKind) String() string {
	switch k {
	case Session:
		return "session"
	case Page:
		return "page"
	case Calibration:
		return "calibration"
	case EnterPpm:
		return "enter_ppm"
	default:
		return "unknown"
	}
}

// Enter-PPM wake-up pattern pulse widths, in microseconds. The target
// recognizes the four-pulse pattern only when each pulse falls within
// tolerance of these widths.
const (
	EnterPulse1 = 30 * time.Microsecond
	EnterPulse2 = 90 * time.Microsecond
	EnterPulse3 = 45 * time.Microsecond
	EnterPulse4 = 45 * time.Microsecond
)

// Frame is a decoded wire frame: a kind tag plus its payload words.
// Session and page acknowledgements and session/page requests are all
// carried as Frame values; the session engine interprets Data
// according to FrameKind and the session it is currently driving.
type Frame struct {
	Kind FrameKind
	Data []uint16
}

// Transport is the frame-level collaborator the session engine and
// programming orchestrator depend on. Implementations own the
// lower-level pulse encode/decode and bitrate switching; callers above
// this interface never see a raw pulse train.
type Transport interface {
	// SetBitrate reprograms the pulse timing base used for every frame
	// sent after this call returns.
	SetBitrate(bitsPerSecond uint32) error

	// SendEnterPattern drives the four-pulse wake sequence for
	// patternTime before returning, entering the target's bootloader.
	SendEnterPattern(patternTime time.Duration) error

	// SendCalibration transmits the single calibration pulse the
	// target uses to learn the host's bit timing.
	SendCalibration() error

	// SendFrame transmits frame on the wire.
	SendFrame(frame Frame) error

	// RecvFrame blocks until a frame arrives or timeout elapses. A
	// timed-out wait returns ErrTimeout.
	RecvFrame(timeout time.Duration) (Frame, error)

	// Close releases any transport-owned resources (GPIO lines, open
	// files, scheduler registrations).
	Close() error
}

// ErrTimeout is returned by RecvFrame when no frame arrives within the
// requested timeout.
var ErrTimeout = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: timed out waiting for frame" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
