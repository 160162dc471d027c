package peerlink

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// EngineOptions tune the shared WebRTC API all links of a call are built
// from.
type EngineOptions struct {
	// Net substitutes the network stack, e.g. a vnet for hermetic tests.
	Net transport.Net

	LoggerFactory logging.LoggerFactory

	// UDPPortRange restricts ephemeral candidate ports when both are set.
	UDPPortMin uint16
	UDPPortMax uint16
}

// NewAPI builds the pion API with default codecs registered.
func NewAPI(opts EngineOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	} else {
		se.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}
