// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig lists the STUN and TURN servers used while gathering
// candidates. The zero value gathers host candidates only, which is
// enough for loopback and same-LAN peers.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from server URLs
// ("stun:stun.example.org:3478", "turn:turn.example.org:3478"). The
// username and credential apply to every TURN URL and are ignored for
// STUN.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	var config ICEConfig
	var turn []string
	for _, url := range urls {
		if strings.HasPrefix(url, "turn") {
			turn = append(turn, url)
			continue
		}
		config.Servers = append(config.Servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(turn) > 0 {
		config.Servers = append(config.Servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return config
}
