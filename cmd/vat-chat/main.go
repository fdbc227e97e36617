// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/vatrpc/lib/config"
	"github.com/bureau-foundation/vatrpc/lib/process"
	"github.com/bureau-foundation/vatrpc/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return &process.ExitError{Code: 2, Err: errors.New("no command given")}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "--version", "version":
		version.Fprint(stdout, "vat-chat")
		return nil
	case "-h", "--help", "help":
		printUsage(stdout)
		return nil
	case "serve":
		return runServe(ctx, args[1:])
	case "send":
		return runSend(ctx, args[1:], stdout)
	case "demo":
		return runDemo(ctx, args[1:], stdout)
	default:
		printUsage(os.Stderr)
		return &process.ExitError{Code: 2, Err: fmt.Errorf("unknown command %q", args[0])}
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `vat-chat: chat over object-capability connections.

Usage:
  vat-chat serve [flags]              host a RoomFactory
  vat-chat send [flags] message...    send messages to a room and print its history
  vat-chat demo [flags] message...    run host and client in one process
  vat-chat --version

Run "vat-chat <command> --help" for the flags of a command.
`)
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath  string
	compression string
	logLevel    string
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "configuration file (default: $VATRPC_CONFIG, else built-in defaults)")
	flagSet.StringVar(&f.compression, "compression", "", "frame compression: none, lz4 or zstd (overrides config)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
}

// parseFlags parses args, returning errHelp when --help was given.
func parseFlags(flagSet *pflag.FlagSet, args []string) error {
	flagSet.SetOutput(os.Stderr)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelp
		}
		return &process.ExitError{Code: 2, Err: err}
	}
	return nil
}

var errHelp = errors.New("help requested")

// loadConfig reads the configuration file named by --config or
// VATRPC_CONFIG, falling back to defaults when neither is set, then
// applies flag overrides and validates.
func (f *commonFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case f.configPath != "":
		cfg, err = config.LoadFile(f.configPath)
	case os.Getenv("VATRPC_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	if f.compression != "" {
		cfg.Stream.Compression = f.compression
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
