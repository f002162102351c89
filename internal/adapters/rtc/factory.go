// Package rtc adapts pion/webrtc to the transport link and capture
// capabilities the session core is written against.
package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

type Config struct {
	ICEServers  []string
	PLIInterval time.Duration
	LogLevel    zerolog.Level

	// IncludeLoopback gathers 127.0.0.1 host candidates too.
	IncludeLoopback bool
}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: iceServers,
			},
		},
	}
}

// Factory creates pion-backed links sharing one API instance.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.LinkFactory = (*Factory)(nil)

func NewFactory(cfg Config) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	if cfg.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(cfg.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("create PLI interceptor: %w", err)
		}
		interceptorRegistry.Add(pli)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(cfg.LogLevel)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: DefaultWebRTCConfig(cfg.ICEServers)}, nil
}

func (f *Factory) NewLink(owner domain.ParticipantID, dir domain.Direction) (core.TransportLink, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newLink(pc, owner, dir), nil
}
