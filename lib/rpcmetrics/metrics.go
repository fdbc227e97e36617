// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpcmetrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/vatrpc/vat"
)

// Outcome labels.
const (
	statusOK          = "ok"
	statusRemoteError = "remote_error"
	statusTimeout     = "timeout"
	statusCanceled    = "canceled"
	statusClosed      = "closed"
	statusError       = "error"

	outcomeClean       = "clean"
	outcomePeerAborted = "peer_aborted"
	outcomeLost        = "lost"
)

// Metrics holds the registry and the vat meters.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesTotal        *prometheus.CounterVec
	QuestionsOutstanding prometheus.Gauge
	QuestionDuration     *prometheus.HistogramVec
	CallsHandled         *prometheus.CounterVec
	CallDuration         *prometheus.HistogramVec
	ConnectionsOpen      prometheus.Gauge
	ConnectionsClosed    *prometheus.CounterVec
}

var _ vat.Observer = (*Metrics)(nil)

// New creates a registry holding the vat meters.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vatrpc_messages_total",
		Help: "Protocol messages by direction and type.",
	}, []string{"direction", "type"})

	outstanding := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vatrpc_questions_outstanding",
		Help: "Outbound bootstrap and call questions waiting for an answer.",
	})

	questionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vatrpc_question_duration_seconds",
		Help:    "Time from sending a question to its caller receiving the outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "status"})

	callsHandled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vatrpc_calls_handled_total",
		Help: "Inbound calls by interface, method and outcome.",
	}, []string{"interface", "method", "status"})

	callDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vatrpc_call_handling_seconds",
		Help:    "Time spent handling inbound calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"interface"})

	connectionsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vatrpc_connections_open",
		Help: "Connections opened and not yet closed.",
	})

	connectionsClosed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vatrpc_connections_closed_total",
		Help: "Closed connections by outcome.",
	}, []string{"outcome"})

	registry.MustRegister(messages, outstanding, questionDuration, callsHandled,
		callDuration, connectionsOpen, connectionsClosed)

	return &Metrics{
		Registry:             registry,
		MessagesTotal:        messages,
		QuestionsOutstanding: outstanding,
		QuestionDuration:     questionDuration,
		CallsHandled:         callsHandled,
		CallDuration:         callDuration,
		ConnectionsOpen:      connectionsOpen,
		ConnectionsClosed:    connectionsClosed,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ConnectionOpened counts a new connection. The host calls it; the
// vat reports only the close.
func (m *Metrics) ConnectionOpened() { m.ConnectionsOpen.Inc() }

func (m *Metrics) MessageSent(messageType string) {
	m.MessagesTotal.WithLabelValues("sent", typeLabel(messageType)).Inc()
}

func (m *Metrics) MessageReceived(messageType string) {
	m.MessagesTotal.WithLabelValues("received", typeLabel(messageType)).Inc()
}

func (m *Metrics) QuestionOpened() { m.QuestionsOutstanding.Inc() }

func (m *Metrics) QuestionClosed(kind string, duration time.Duration, err error) {
	m.QuestionsOutstanding.Dec()
	m.QuestionDuration.WithLabelValues(kind, questionStatus(err)).Observe(duration.Seconds())
}

func (m *Metrics) CallHandled(interfaceID, methodID uint64, duration time.Duration, err error) {
	interfaceLabel := "0x" + strconv.FormatUint(interfaceID, 16)
	status := statusOK
	if err != nil {
		status = statusError
	}
	m.CallsHandled.WithLabelValues(interfaceLabel, strconv.FormatUint(methodID, 10), status).Inc()
	m.CallDuration.WithLabelValues(interfaceLabel).Observe(duration.Seconds())
}

func (m *Metrics) ConnectionClosed(err error) {
	m.ConnectionsOpen.Dec()
	m.ConnectionsClosed.WithLabelValues(connectionOutcome(err)).Inc()
}

// typeLabel keeps the label set bounded: peers may send any type
// string, and unknown ones are answered with unimplemented anyway.
func typeLabel(messageType string) string {
	switch messageType {
	case "bootstrap", "call", "return", "finish", "abort", "unimplemented":
		return messageType
	case "":
		return "undecodable"
	default:
		return "unknown"
	}
}

func questionStatus(err error) string {
	var remoteErr *vat.RemoteError
	switch {
	case err == nil:
		return statusOK
	case errors.As(err, &remoteErr):
		return statusRemoteError
	case errors.Is(err, vat.ErrCallTimeout):
		return statusTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusCanceled
	case errors.Is(err, vat.ErrConnClosed):
		return statusClosed
	default:
		return statusError
	}
}

func connectionOutcome(err error) string {
	var abortErr *vat.RemoteAbortError
	switch {
	case err == nil:
		return outcomeClean
	case errors.As(err, &abortErr):
		return outcomePeerAborted
	case errors.Is(err, vat.ErrConnectionLost):
		return outcomeLost
	default:
		return statusError
	}
}
