/*
 * ppmprog - Command-line programming/verification entry point.
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

package main

import (
	"fmt"
	"log/slog"
	"os"

	getopt "github.com/pborman/getopt/v2"

	"github.com/ppmprog/ppmprog/chip"
	"github.com/ppmprog/ppmprog/intelhex"
	"github.com/ppmprog/ppmprog/internal/logging"
	"github.com/ppmprog/ppmprog/ppmerr"
	"github.com/ppmprog/ppmprog/programmer"
	"github.com/ppmprog/ppmprog/session"
	"github.com/ppmprog/ppmprog/transport"
	"github.com/ppmprog/ppmprog/transport/gpiobus"
	"github.com/ppmprog/ppmprog/transport/simbus"
)

var Logger *slog.Logger

func parseMemory(s string) (programmer.Memory, error) {
	switch s {
	case "flash":
		return programmer.Flash, nil
	case "flash_cs":
		return programmer.FlashCs, nil
	case "nv_ram":
		return programmer.NvRam, nil
	default:
		return 0, fmt.Errorf("unknown memory %q", s)
	}
}

func parseAction(s string) (programmer.Action, error) {
	switch s {
	case "program":
		return programmer.Program, nil
	case "verify":
		return programmer.Verify, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

func main() {
	optCatalogue := getopt.StringLong("chip-catalogue", 'c', "", "Chip catalogue YAML file (default: embedded)")
	optHex := getopt.StringLong("hex", 'x', "", "Intel-HEX file to program or verify against")
	optMemory := getopt.StringLong("memory", 'm', "flash", "Memory region: flash, flash_cs, nv_ram")
	optAction := getopt.StringLong("action", 'a', "program", "Action: program, verify")
	optBitrate := getopt.Uint32Long("bitrate", 'b', 19200, "PPM bitrate in bits/second")
	optBroadcast := getopt.BoolLong("broadcast", 0, "Broadcast mode: disable acknowledgements")
	optManualPower := getopt.BoolLong("manual-power", 0, "Chip power is already under external control")
	optSim := getopt.BoolLong("sim", 0, "Run against an in-process simulated target instead of real hardware")
	optTxPin := getopt.StringLong("tx-pin", 0, "GPIO22", "GPIO pin name for TX/RX (single-wire wiring)")
	optPowerPin := getopt.StringLong("power-pin", 0, "", "GPIO pin name driving chip VDD enable")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	file := os.Stderr
	if *optLogFile != "" {
		f, err := os.Create(*optLogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
			os.Exit(int(ppmerr.Internal))
		}
		file = f
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelInfo)
	Logger = slog.New(logging.NewHandler(file, &slog.HandlerOptions{Level: programLevel}, false))
	slog.SetDefault(Logger)

	if *optHex == "" {
		Logger.Error("a --hex file is required")
		os.Exit(int(ppmerr.InvHex))
	}
	memory, err := parseMemory(*optMemory)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(int(ppmerr.ActionNotSupported))
	}
	action, err := parseAction(*optAction)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(int(ppmerr.ActionNotSupported))
	}

	blank := byte(0xFF)
	if memory == programmer.NvRam {
		blank = 0x00
	}
	f, err := os.Open(*optHex)
	if err != nil {
		Logger.Error("opening hex file", "error", err)
		os.Exit(int(ppmerr.InvHex))
	}
	defer f.Close()
	hexImage, err := intelhex.Parse(f, blank)
	if err != nil {
		Logger.Error("parsing hex file", "error", err)
		os.Exit(int(ppmerr.InvHex))
	}

	catalogue, err := loadCatalogue(*optCatalogue)
	if err != nil {
		Logger.Error("loading chip catalogue", "error", err)
		os.Exit(int(ppmerr.Internal))
	}

	var xport transport.Transport
	var power programmer.PowerControl
	if *optSim {
		xport = simbus.NewTarget(0x1234, 0, 0x4000, 0x100, 0x200)
		power = programmer.NoPower
	} else {
		bus, err := gpiobus.Open(*optTxPin, *optTxPin)
		if err != nil {
			Logger.Error("opening gpio bus", "error", err)
			os.Exit(int(ppmerr.Internal))
		}
		defer bus.Close()
		xport = bus
		power = programmer.NoPower
		if *optPowerPin != "" {
			p, err := gpiobus.OpenPower(*optPowerPin)
			if err != nil {
				Logger.Error("opening power pin", "error", err)
				os.Exit(int(ppmerr.Internal))
			}
			power = programmer.PowerControl{Enable: p.Enable, Powered: p.Powered}
		}
	}

	orchestrator := &programmer.Orchestrator{
		Engine:    &session.Engine{Transport: xport, Logger: Logger},
		Transport: xport,
		Chips:     catalogue,
		Power:     power,
		Logger:    Logger,
	}

	code := orchestrator.DoAction(*optManualPower, *optBroadcast, *optBitrate, memory, action, hexImage)
	if code != ppmerr.OK {
		Logger.Error("programming failed", "code", int(code), "reason", code.String())
	} else {
		Logger.Info("programming completed successfully")
	}
	os.Exit(int(code))
}

func loadCatalogue(path string) (chip.Catalogue, error) {
	if path == "" {
		return chip.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return chip.Load(data)
}
