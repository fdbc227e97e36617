// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/vatrpc/lib/config"
	"github.com/bureau-foundation/vatrpc/transport"
	"github.com/bureau-foundation/vatrpc/vat"
)

const (
	demoHostPeer  = "host"
	demoGuestPeer = "guest"
)

func runDemo(ctx context.Context, args []string, stdout io.Writer) error {
	var common commonFlags
	var transportName, room string
	flagSet := pflag.NewFlagSet("demo", pflag.ContinueOnError)
	common.register(flagSet)
	flagSet.StringVar(&transportName, "transport", "tcp", "tcp or webrtc")
	flagSet.StringVar(&room, "room", "Lobby", "room to send to")
	if err := parseFlags(flagSet, args); err != nil {
		if errors.Is(err, errHelp) {
			return nil
		}
		return err
	}
	messages := flagSet.Args()
	if len(messages) == 0 {
		messages = []string{"hello from the guest vat"}
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	return demo(ctx, cfg, logger, transportName, room, messages, stdout)
}

// demo hosts a chat factory and runs one client session against it in
// the same process, over loopback TCP or a WebRTC data channel.
func demo(ctx context.Context, cfg *config.Config, logger *slog.Logger, transportName, room string, messages []string, stdout io.Writer) error {
	srv, err := newServer(cfg, logger.With("side", demoHostPeer))
	if err != nil {
		return err
	}
	defer srv.Close()
	streamOptions, err := streamOptionsFrom(cfg)
	if err != nil {
		return err
	}
	connOptions, err := connOptionsFrom(cfg)
	if err != nil {
		return err
	}

	var listener transport.Listener
	var dialer transport.Dialer
	switch transportName {
	case "tcp":
		tcpListener, err := transport.NewTCPListener("127.0.0.1:0")
		if err != nil {
			return err
		}
		listener, dialer = tcpListener, &transport.TCPDialer{}
	case "webrtc":
		signaler := transport.NewMemorySignaler()
		iceConfig := transport.ICEConfigFromURLs(cfg.WebRTC.ICEServers, cfg.WebRTC.TURNUsername, cfg.WebRTC.TURNCredential)
		hostTransport := transport.NewWebRTCTransport(signaler, demoHostPeer, iceConfig, logger.With("peer", demoHostPeer))
		guestTransport := transport.NewWebRTCTransport(signaler, demoGuestPeer, iceConfig, logger.With("peer", demoGuestPeer))
		defer guestTransport.Close()
		hostTransport.Start(ctx)
		guestTransport.Start(ctx)
		listener, dialer = hostTransport, guestTransport
	default:
		return fmt.Errorf("unknown transport %q (want tcp or webrtc)", transportName)
	}

	serveCtx, stopServing := context.WithCancel(ctx)
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.serve(serveCtx, listener, nil) }()

	sessionErr := dialAndChat(ctx, logger, dialer, listener.Address(), streamOptions, connOptions, room, messages, stdout)

	stopServing()
	serveErr := <-serveDone
	if sessionErr != nil {
		return sessionErr
	}
	return serveErr
}

func dialAndChat(ctx context.Context, logger *slog.Logger, dialer transport.Dialer, address string, streamOptions transport.StreamOptions, connOptions vat.ConnOptions, room string, messages []string, stdout io.Writer) error {
	netConn, err := dialer.DialContext(ctx, address)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", address, err)
	}
	return chatSession(ctx, logger.With("side", demoGuestPeer), transport.NewStreamTransport(netConn, streamOptions), connOptions, room, messages, stdout)
}
