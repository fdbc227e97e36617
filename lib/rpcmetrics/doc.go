// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpcmetrics exports vat connection activity as Prometheus
// metrics.
//
// [Metrics] implements [vat.Observer]. One Metrics value is shared by
// every connection a process runs; pass it as ConnOptions.Observer.
// It owns a private registry, served by [Metrics.Handler]:
//
//	metrics := rpcmetrics.New()
//	conn := v.NewConn(t, vat.ConnOptions{Observer: metrics})
//	mux.Handle("/metrics", metrics.Handler())
//
// Interface and method ids are label values in hex and decimal. Hosts
// expose a handful of interfaces, so the label space stays small.
package rpcmetrics
