// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/vatrpc/lib/config"
)

// newLogger builds the process logger from the log section. With
// format "auto", stderr gets slog.TextHandler output when it is a
// terminal and JSON otherwise. The returned function closes the log
// file, if any.
func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	var output io.Writer = os.Stderr
	cleanup := func() {}
	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		output = file
		cleanup = func() { file.Close() }
		interactive = false
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch {
	case cfg.Format == "text", cfg.Format == "auto" && interactive:
		handler = slog.NewTextHandler(output, options)
	default:
		handler = slog.NewJSONHandler(output, options)
	}
	return slog.New(handler), cleanup, nil
}
