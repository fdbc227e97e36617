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

	"github.com/bureau-foundation/vatrpc/lib/chat"
	"github.com/bureau-foundation/vatrpc/lib/process"
	"github.com/bureau-foundation/vatrpc/transport"
	"github.com/bureau-foundation/vatrpc/vat"
)

func runSend(ctx context.Context, args []string, stdout io.Writer) error {
	var common commonFlags
	var address, room string
	flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
	common.register(flagSet)
	flagSet.StringVar(&address, "address", "", "host to connect to (default: listen.address from config)")
	flagSet.StringVar(&room, "room", "Lobby", "room to send to")
	if err := parseFlags(flagSet, args); err != nil {
		if errors.Is(err, errHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() == 0 {
		return &process.ExitError{Code: 2, Err: errors.New("send: at least one message is required")}
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	if address == "" {
		address = cfg.Listen.Address
	}
	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	streamOptions, err := streamOptionsFrom(cfg)
	if err != nil {
		return err
	}
	connOptions, err := connOptionsFrom(cfg)
	if err != nil {
		return err
	}

	netConn, err := (&transport.TCPDialer{}).DialContext(ctx, address)
	if err != nil {
		return err
	}
	return chatSession(ctx, logger, transport.NewStreamTransport(netConn, streamOptions), connOptions, room, flagSet.Args(), stdout)
}

// chatSession bootstraps the RoomFactory offered over t, sends each
// message to room and prints the room's history. The connection is
// closed before returning.
func chatSession(ctx context.Context, logger *slog.Logger, t transport.Transport, options vat.ConnOptions, room string, messages []string, stdout io.Writer) error {
	clientVat := vat.New(logger)
	if err := chat.Register(clientVat); err != nil {
		return err
	}
	conn := clientVat.NewConn(t, options)

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(context.WithoutCancel(ctx)) }()

	sessionErr := converse(ctx, conn, room, messages, stdout)

	conn.Close()
	runErr := <-runDone
	if sessionErr != nil {
		return sessionErr
	}
	if runErr != nil {
		return fmt.Errorf("connection: %w", runErr)
	}
	return nil
}

func converse(ctx context.Context, conn *vat.Conn, roomName string, messages []string, stdout io.Writer) error {
	root, err := conn.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if root.Interface() == nil || root.Interface().ID != chat.RoomFactoryInterfaceID {
		return fmt.Errorf("bootstrap capability %v is not a RoomFactory", root)
	}

	room, err := chat.NewRoomFactoryClient(root).CreateRoom(ctx, roomName)
	if err != nil {
		return fmt.Errorf("create_room %q: %w", roomName, err)
	}
	for _, message := range messages {
		if err := room.SendMessage(ctx, message); err != nil {
			return fmt.Errorf("send_message: %w", err)
		}
	}

	history, err := room.History(ctx)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	fmt.Fprintf(stdout, "%s (%d messages)\n", roomName, len(history))
	for _, line := range history {
		fmt.Fprintf(stdout, "  %s\n", line)
	}
	return nil
}
