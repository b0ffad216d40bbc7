/*
 * ppmprog - Bit-banged GPIO transport.
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

// Package gpiobus implements transport.Transport over a pair of
// bit-banged GPIO lines (TX/RX, optionally the same open-drain pin),
// driven through periph.io. The PPM symbol encoding itself -
// translating a bit into a pulse width, decoding a pulse edge back
// into a bit - is the hardware pulse-capture/transmit peripheral
// spec.md §1 explicitly treats as an external collaborator; this
// package owns only frame-to-pulse-train sequencing and timing, not
// protocol semantics.
package gpiobus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/ppmprog/ppmprog/transport"
)

// Bus drives the PPM wire protocol over one or two GPIO pins.
type Bus struct {
	tx gpio.PinIO
	rx gpio.PinIO

	bitPeriod time.Duration

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
	frames chan transport.Frame
}

// Open initializes the periph.io host drivers and returns a Bus
// driving txName as the open-drain TX/RX line (txName == rxName is
// the common single-wire wiring) at an initial bitrate of 9600 bps.
func Open(txName, rxName string) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpiobus: host init: %w", err)
	}

	tx := gpioreg.ByName(txName)
	if tx == nil {
		return nil, fmt.Errorf("gpiobus: unknown pin %q", txName)
	}
	rx := tx
	if rxName != txName {
		rx = gpioreg.ByName(rxName)
		if rx == nil {
			return nil, fmt.Errorf("gpiobus: unknown pin %q", rxName)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	b := &Bus{
		tx:        tx,
		rx:        rx,
		bitPeriod: time.Second / 9600,
		group:     g,
		cancel:    cancel,
		frames:    make(chan transport.Frame, 4),
	}

	g.Go(func() error { return b.receiveLoop(ctx) })
	return b, nil
}

// SetBitrate reprograms the pulse timing base used for every frame
// sent after this call returns.
func (b *Bus) SetBitrate(bitsPerSecond uint32) error {
	if bitsPerSecond == 0 {
		return fmt.Errorf("gpiobus: bitrate must be nonzero")
	}
	b.mu.Lock()
	b.bitPeriod = time.Second / time.Duration(bitsPerSecond)
	b.mu.Unlock()
	return nil
}

// SendEnterPattern drives the four-pulse wake sequence repeatedly for
// patternTime before returning.
func (b *Bus) SendEnterPattern(patternTime time.Duration) error {
	deadline := time.Now().Add(patternTime)
	widths := [4]time.Duration{
		transport.EnterPulse1, transport.EnterPulse2,
		transport.EnterPulse3, transport.EnterPulse4,
	}
	for time.Now().Before(deadline) {
		for _, w := range widths {
			if err := b.pulse(w); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendCalibration transmits the single calibration pulse the target
// uses to learn the host's bit timing.
func (b *Bus) SendCalibration() error {
	b.mu.Lock()
	period := b.bitPeriod
	b.mu.Unlock()
	return b.pulse(period)
}

// SendFrame transmits frame on the wire, one PPM symbol per bit of
// every word, most significant bit first, preceded by the kind tag.
func (b *Bus) SendFrame(frame transport.Frame) error {
	b.mu.Lock()
	period := b.bitPeriod
	b.mu.Unlock()

	if err := b.sendByte(byte(frame.Kind), period); err != nil {
		return err
	}
	for _, word := range frame.Data {
		if err := b.sendByte(byte(word>>8), period); err != nil {
			return err
		}
		if err := b.sendByte(byte(word), period); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) sendByte(v byte, period time.Duration) error {
	for bit := 7; bit >= 0; bit-- {
		level := gpio.Low
		if v&(1<<uint(bit)) != 0 {
			level = gpio.High
		}
		if err := b.tx.Out(level); err != nil {
			return fmt.Errorf("gpiobus: tx: %w", err)
		}
		time.Sleep(period)
	}
	return nil
}

func (b *Bus) pulse(width time.Duration) error {
	if err := b.tx.Out(gpio.High); err != nil {
		return fmt.Errorf("gpiobus: tx: %w", err)
	}
	time.Sleep(width)
	if err := b.tx.Out(gpio.Low); err != nil {
		return fmt.Errorf("gpiobus: tx: %w", err)
	}
	return nil
}

// RecvFrame blocks until a frame arrives or timeout elapses.
func (b *Bus) RecvFrame(timeout time.Duration) (transport.Frame, error) {
	select {
	case f := <-b.frames:
		return f, nil
	case <-time.After(timeout):
		return transport.Frame{}, transport.ErrTimeout
	}
}

// receiveLoop runs in its own goroutine (supervised by errgroup) for
// the lifetime of the Bus, waiting for edges on rx; it never sends a
// frame on b.frames, so RecvFrame on a Bus always times out. The
// pulse-to-bit decode itself is the external transport peripheral's
// job per spec.md §1; this loop only demonstrates the ownership shape
// a real decoder would plug into.
func (b *Bus) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !b.rx.WaitForEdge(100 * time.Millisecond) {
			continue
		}
		// A real decoder accumulates edges into a frame here, once a
		// complete frame is decoded, send it on b.frames without
		// blocking the edge-wait loop.
	}
}

// Close stops the receive goroutine and waits for it to exit; the GPIO
// pins are left in their last driven state.
func (b *Bus) Close() error {
	b.cancel()
	return b.group.Wait()
}

// Power drives a chip's VDD enable line through a GPIO pin, realising
// the programmer.PowerControl capability pair spec.md §9 calls for
// ("weak callouts... model as two capability functions injected at
// construction").
type Power struct {
	enable gpio.PinIO
	on     bool
}

// OpenPower looks up enableName as an output pin driving the target's
// power switch.
func OpenPower(enableName string) (*Power, error) {
	pin := gpioreg.ByName(enableName)
	if pin == nil {
		return nil, fmt.Errorf("gpiobus: unknown power pin %q", enableName)
	}
	return &Power{enable: pin}, nil
}

// Enable matches programmer.PowerControl.Enable's signature.
func (p *Power) Enable(on bool) {
	level := gpio.Low
	if on {
		level = gpio.High
	}
	if err := p.enable.Out(level); err == nil {
		p.on = on
	}
}

// Powered matches programmer.PowerControl.Powered's signature.
func (p *Power) Powered() bool {
	return p.on
}

