package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

// SyntheticCapturer produces sample tracks filled with placeholder frames,
// for headless participants without devices.
type SyntheticCapturer struct {
	// StreamID groups the produced tracks on the wire.
	StreamID string
}

var _ core.Capturer = (*SyntheticCapturer)(nil)

func (c *SyntheticCapturer) Capture(ctx context.Context, cfg domain.CaptureConfig) ([]stream.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := c.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}

	var out []stream.Source
	add := func(intent domain.Intent, kind domain.Kind) error {
		u, err := newSampleUnit(intent, kind, streamID)
		if err != nil {
			return err
		}
		out = append(out, stream.Source{Unit: u, Intent: intent})
		return nil
	}
	var err error
	if cfg.Camera && err == nil {
		err = add(domain.IntentCamera, domain.KindVideo)
	}
	if cfg.Screen && err == nil {
		err = add(domain.IntentScreen, domain.KindVideo)
	}
	if cfg.Microphone && err == nil {
		err = add(domain.IntentMicrophone, domain.KindAudio)
	}
	if err != nil {
		for _, s := range out {
			s.Unit.Stop()
		}
		return nil, err
	}
	return out, nil
}

func newSampleUnit(intent domain.Intent, kind domain.Kind, streamID string) (*LocalUnit, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	frame, payload := videoFrame, []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
	if kind == domain.KindAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		frame, payload = audioFrame, []byte{0xf8, 0xff, 0xfe}
	}

	id := fmt.Sprintf("%s-%s", intent, uuid.NewString()[:8])
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(frame)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: payload, Duration: frame}); err != nil {
					log.Debug().Str("module", "capture").Str("unit", id).Err(err).Msg("write sample")
				}
			}
		}
	}()
	return NewLocalUnit(id, kind, track, cancel), nil
}
