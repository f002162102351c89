package rtc

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

// RemoteUnit is a received track. Its packets are fanned out to every
// forwarded copy created with Forward.
type RemoteUnit struct {
	src       *webrtc.TrackRemote
	writeRTCP func([]rtcp.Packet) error

	mu        sync.RWMutex
	copies map[domain.ParticipantID]*forwardedTrack

	packets atomic.Uint64
	stopped atomic.Bool
}

func newRemoteUnit(src *webrtc.TrackRemote, writeRTCP func([]rtcp.Packet) error) *RemoteUnit {
	return &RemoteUnit{
		src:       src,
		writeRTCP: writeRTCP,
		copies:    make(map[domain.ParticipantID]*forwardedTrack),
	}
}

func (r *RemoteUnit) ID() string { return r.src.ID() }

func (r *RemoteUnit) Kind() domain.Kind {
	if r.src.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.KindAudio
	}
	return domain.KindVideo
}

// Packets returns how many RTP packets were read so far.
func (r *RemoteUnit) Packets() uint64 { return r.packets.Load() }

// Stop detaches every forwarded copy. Reading ends with the connection.
func (r *RemoteUnit) Stop() {
	r.stopped.Store(true)
	r.dropAll()
}

// Forward creates a local copy of this track for dst. Video copies
// request a keyframe from the sender right away.
func (r *RemoteUnit) Forward(dst domain.ParticipantID) (stream.Unit, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(r.src.Codec().RTPCodecCapability, r.src.ID(), r.src.StreamID())
	if err != nil {
		return nil, err
	}
	ft := &forwardedTrack{track: track}
	r.mu.Lock()
	if old, ok := r.copies[dst]; ok {
		old.drop()
	}
	r.copies[dst] = ft
	r.mu.Unlock()

	if r.Kind() == domain.KindVideo && r.writeRTCP != nil {
		_ = r.writeRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(r.src.SSRC())}})
	}
	return NewLocalUnit(r.ID(), r.Kind(), track, ft.drop), nil
}

// Unforward drops dst's copy. It is removed on the next packet.
func (r *RemoteUnit) Unforward(dst domain.ParticipantID) {
	r.mu.RLock()
	ft, ok := r.copies[dst]
	r.mu.RUnlock()
	if ok {
		ft.drop()
	}
}

// loop reads the source track until it ends and writes every packet to the live copies.
func (r *RemoteUnit) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			r.dropAll()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Str("unit", r.ID()).Msg("relay read RTP ended")
			r.dropAll()
			return
		}
		r.packets.Add(1)
		if r.stopped.Load() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *RemoteUnit) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.copies)
	r.mu.RUnlock()

	var dirty []domain.ParticipantID
	for dst, ft := range snapshot {
		if ft.dropped.Load() {
			dirty = append(dirty, dst)
			continue
		}
		if err := ft.track.WriteRTP(pkt); err != nil {
			logger.Error().
				Err(err).
				Str("dst", dst.String()).
				Msg("relay write RTP error, dropping copy")
			ft.drop()
			dirty = append(dirty, dst)
		}
	}

	if len(dirty) > 0 {
		r.prune(snapshot, dirty)
	}
}

func (r *RemoteUnit) prune(snapshot map[domain.ParticipantID]*forwardedTrack, dirty []domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dst := range dirty {
		// a newer copy may have replaced the deleted one
		if r.copies[dst] == snapshot[dst] {
			delete(r.copies, dst)
		}
	}
}

func (r *RemoteUnit) dropAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ft := range r.copies {
		ft.drop()
	}
}

// forwardedTrack is one subscriber's copy of a received track.
type forwardedTrack struct {
	track   *webrtc.TrackLocalStaticRTP
	dropped atomic.Bool
}

func (f *forwardedTrack) drop() { f.dropped.Store(true) }
