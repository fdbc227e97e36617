// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/vatrpc/lib/chat"
	"github.com/bureau-foundation/vatrpc/lib/config"
	"github.com/bureau-foundation/vatrpc/lib/rpcmetrics"
	"github.com/bureau-foundation/vatrpc/transport"
	"github.com/bureau-foundation/vatrpc/vat"
)

const shutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, args []string) error {
	var common commonFlags
	var listenAddress, metricsAddress string
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	common.register(flagSet)
	flagSet.StringVar(&listenAddress, "listen", "", "TCP address to accept vat connections on (overrides config)")
	flagSet.StringVar(&metricsAddress, "metrics", "", "address for the /metrics endpoint (overrides config)")
	if err := parseFlags(flagSet, args); err != nil {
		if errors.Is(err, errHelp) {
			return nil
		}
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	if flagSet.Changed("listen") {
		cfg.Listen.Address = listenAddress
	}
	if flagSet.Changed("metrics") {
		cfg.Metrics.Address = metricsAddress
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	listener, err := transport.NewTCPListener(cfg.Listen.Address)
	if err != nil {
		return err
	}
	var metricsListener net.Listener
	if cfg.Metrics.Address != "" {
		metricsListener, err = net.Listen("tcp", cfg.Metrics.Address)
		if err != nil {
			listener.Close()
			return fmt.Errorf("listening for metrics on %s: %w", cfg.Metrics.Address, err)
		}
	}

	logger.Info("vat-chat serving",
		"address", listener.Address(),
		"metrics", cfg.Metrics.Address,
		"compression", cfg.Stream.Compression,
		"environment", cfg.Environment,
	)
	return srv.serve(ctx, listener, metricsListener)
}

// server hosts one chat factory as the bootstrap capability of every
// connection it accepts.
type server struct {
	logger        *slog.Logger
	vat           *vat.Vat
	factory       *chat.Factory
	history       *chat.SQLiteHistory
	metrics       *rpcmetrics.Metrics
	streamOptions transport.StreamOptions
	connOptions   vat.ConnOptions
}

func newServer(cfg *config.Config, logger *slog.Logger) (*server, error) {
	streamOptions, err := streamOptionsFrom(cfg)
	if err != nil {
		return nil, err
	}
	connOptions, err := connOptionsFrom(cfg)
	if err != nil {
		return nil, err
	}

	metrics := rpcmetrics.New()
	connOptions.Serving = true
	connOptions.Observer = metrics

	factoryOptions := chat.FactoryOptions{
		Logger:     logger,
		MaxHistory: cfg.Chat.MaxHistory,
	}
	var history *chat.SQLiteHistory
	if cfg.Chat.HistoryDatabase != "" {
		history, err = chat.OpenSQLiteHistory(cfg.Chat.HistoryDatabase, logger)
		if err != nil {
			return nil, err
		}
		factoryOptions.Store = history
	}
	factory := chat.NewFactory(factoryOptions)

	hostVat := vat.New(logger)
	if err := chat.Register(hostVat); err != nil {
		return nil, err
	}
	if err := hostVat.SetBootstrap(factory.Capability()); err != nil {
		return nil, err
	}

	return &server{
		logger:        logger,
		vat:           hostVat,
		factory:       factory,
		history:       history,
		metrics:       metrics,
		streamOptions: streamOptions,
		connOptions:   connOptions,
	}, nil
}

// Close releases the history database, if one is open. Call it after
// serve returns.
func (s *server) Close() error {
	if s.history == nil {
		return nil
	}
	return s.history.Close()
}

// serve accepts connections until ctx ends. metricsListener may be
// nil. Returns nil after a clean shutdown.
func (s *server) serve(ctx context.Context, listener transport.Listener, metricsListener net.Listener) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.acceptLoop(ctx, listener)
	})

	if metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", s.metrics.Handler())
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		httpServer := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			if err := httpServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	return group.Wait()
}

func (s *server) acceptLoop(ctx context.Context, listener transport.Listener) error {
	defer listener.Close()
	var connections sync.WaitGroup
	defer connections.Wait()

	for {
		netConn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting: %w", err)
		}
		connections.Go(func() {
			s.handle(ctx, netConn)
		})
	}
}

// handle runs one vat connection to completion. Cancelling ctx closes
// it cleanly.
func (s *server) handle(ctx context.Context, netConn net.Conn) {
	stream := transport.NewStreamTransport(netConn, s.streamOptions)
	conn := s.vat.NewConn(stream, s.connOptions)
	logger := s.logger.With("connection", conn.ID(), "remote", netConn.RemoteAddr().String())

	s.metrics.ConnectionOpened()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger.Info("connection accepted")
	if err := conn.Run(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("connection ended", "error", err)
		return
	}
	logger.Info("connection ended")
}

func streamOptionsFrom(cfg *config.Config) (transport.StreamOptions, error) {
	compression, err := transport.ParseCompressionTag(cfg.Stream.Compression)
	if err != nil {
		return transport.StreamOptions{}, err
	}
	return transport.StreamOptions{
		Compression:       compression,
		CompressThreshold: cfg.Stream.CompressThreshold,
		MaxFrameSize:      cfg.Stream.MaxFrameSize,
	}, nil
}

func connOptionsFrom(cfg *config.Config) (vat.ConnOptions, error) {
	callTimeout, err := cfg.CallTimeout()
	if err != nil {
		return vat.ConnOptions{}, err
	}
	abortTimeout, err := cfg.AbortTimeout()
	if err != nil {
		return vat.ConnOptions{}, err
	}
	return vat.ConnOptions{
		CallTimeout:  callTimeout,
		AbortTimeout: abortTimeout,
	}, nil
}
