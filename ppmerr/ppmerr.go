/*
 * ppmprog - PPM bootloader error code taxonomy.
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

// Package ppmerr carries the stable wire error codes returned by a
// programming/verification invocation, matching the exit-code
// contract of the original bootloader host tool.
package ppmerr

// Code is a stable, wire-level result code for a DoAction invocation.
type Code int

// Result codes, bit-exact with spec.md section 6.
const (
	OK                 Code = 0
	Unknown            Code = -1
	Internal           Code = -2
	SetBaud            Code = -16
	EnterPPM           Code = -17
	Calibration        Code = -18
	Unlock             Code = -19
	ChipNotSupported   Code = -20
	ActionNotSupported Code = -21
	InvHex             Code = -22
	MissingData        Code = -23
	ProgrammingFailed  Code = -24
	VerifyFailed       Code = -25
)

var names = map[Code]string{
	OK:                 "operation was successful",
	Unknown:            "unknown error",
	Internal:           "internal error",
	SetBaud:            "failed setting new baudrate",
	EnterPPM:           "failed entering ppm mode",
	Calibration:        "failed sending calibration frame",
	Unlock:             "failed unlocking session mode",
	ChipNotSupported:   "connected chip is not supported",
	ActionNotSupported: "action is not supported",
	InvHex:             "hex file could not be read",
	MissingData:        "no data for the memory in the hex file",
	ProgrammingFailed:  "programming failed",
	VerifyFailed:       "verification failed",
}

// String renders the human-readable name for code, or "unknown error
// code" if code is not one of the named constants above.
func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return "unknown error code"
}

// Error implements the error interface so a Code can be returned
// anywhere an error is expected without an extra wrapper allocation.
func (c Code) Error() string {
	return c.String()
}

// IsOK reports whether code represents success.
func (c Code) IsOK() bool {
	return c == OK
}
