/*
 * ppmprog - Wrapper for slog
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

// Package logging wraps log/slog the way the rest of the programmer
// wants its session and transport diagnostics shaped: one line per
// record, a mandatory timestamp, and every record the configured level
// admits mirrored to stderr when running verbose.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Handler is a slog.Handler that formats records as a single
// space-joined line and duplicates warnings and above to stderr even
// when the primary sink is a log file.
type Handler struct {
	out     io.Writer
	h       slog.Handler
	mu      *sync.Mutex
	verbose bool
	// group, if non-empty, prefixes every attr key bound by WithGroup,
	// mirroring slog's own group-qualified key convention.
	group string
	// attrs are bound by WithAttrs (e.g. via Logger.With), already
	// group-qualified, and rendered ahead of each record's own attrs.
	attrs []slog.Attr
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	qualified := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		qualified[i] = a
	}
	return &Handler{
		out: h.out, h: h.h.WithAttrs(attrs), mu: h.mu, verbose: h.verbose,
		group: h.group, attrs: append(append([]slog.Attr{}, h.attrs...), qualified...),
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{
		out: h.out, h: h.h.WithGroup(name), mu: h.mu, verbose: h.verbose,
		group: group, attrs: h.attrs,
	}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	formattedTime := r.Time.Format("2006/01/02 15:04:05")

	strs := []string{formattedTime, level, r.Message}

	for _, a := range h.attrs {
		strs = append(strs, a.Key+"="+a.Value.String())
	}
	if r.NumAttrs() != 0 {
		r.Attrs(func(a slog.Attr) bool {
			strs = append(strs, a.Key+"="+a.Value.String())
			return true
		})
	}
	result := strings.Join(strs, " ") + "\n"
	b := []byte(result)

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.out != nil {
		_, err = h.out.Write(b)
	}

	if h.verbose || r.Level >= slog.LevelWarn {
		_, err = os.Stderr.Write(b)
	}
	return err
}

// SetVerbose toggles whether records below LevelWarn are also echoed
// to stderr.
func (h *Handler) SetVerbose(verbose bool) {
	h.verbose = verbose
}

// NewHandler builds a Handler writing to sink, honoring opts.Level for
// filtering. verbose additionally mirrors every record to stderr.
func NewHandler(sink io.Writer, opts *slog.HandlerOptions, verbose bool) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &Handler{
		out: sink,
		h: slog.NewTextHandler(sink, &slog.HandlerOptions{
			Level:     opts.Level,
			AddSource: opts.AddSource,
		}),
		mu:      &sync.Mutex{},
		verbose: verbose,
	}
}

// SessionLogger returns a *slog.Logger pre-tagged with the session
// identifier and session name, for the one log line each terminal
// failure path in the session engine emits.
func SessionLogger(base *slog.Logger, sessionID uint8, session string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.Int("session_id", int(sessionID)), slog.String("session", session))
}
