package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

// TrackSource is a unit that can be sent on a link.
type TrackSource interface {
	stream.Unit
	TrackLocal() webrtc.TrackLocal
}

// Link is a core.TransportLink over one pion PeerConnection.
type Link struct {
	pc     *webrtc.PeerConnection
	owner  domain.ParticipantID
	dir    domain.Direction
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	senders   map[string]*webrtc.RTPSender
	remotes   map[string]*RemoteUnit
	gathering bool

	onICE          func(webrtc.ICECandidateInit)
	onState        func(core.SubState, string)
	onTrack        func(stream.Unit)
	onTrackRemoved func(string)
}

var _ core.TransportLink = (*Link)(nil)

func newLink(pc *webrtc.PeerConnection, owner domain.ParticipantID, dir domain.Direction) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		pc:     pc,
		owner:  owner,
		dir:    dir,
		ctx:    ctx,
		cancel: cancel,
		log: log.With().
			Str("module", "webrtc").
			Str("participant", owner.String()).
			Str("direction", string(dir)).
			Logger(),
		senders: make(map[string]*webrtc.RTPSender),
		remotes: make(map[string]*RemoteUnit),
	}
	l.start()
	return l
}

func (l *Link) start() {
	l.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		l.log.Info().Str("ice_state", s.String()).Msg("ICE state")
		l.emitState(core.SubStateICEConnection, s.String())
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		l.emitState(core.SubStateConnection, s.String())
	})

	l.pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		l.emitState(core.SubStateSignaling, s.String())
	})

	// a nil candidate ends gathering
	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		l.mu.Lock()
		started := l.gathering
		l.gathering = cand != nil
		fn := l.onICE
		l.mu.Unlock()

		if cand == nil {
			l.emitState(core.SubStateICEGathering, webrtc.ICEGatheringStateComplete.String())
			return
		}
		if !started {
			l.emitState(core.SubStateICEGathering, webrtc.ICEGatheringStateGathering.String())
		}
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		l.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		u := newRemoteUnit(track, l.pc.WriteRTCP)
		l.mu.Lock()
		l.remotes[u.ID()] = u
		fn := l.onTrack
		l.mu.Unlock()

		go func() {
			u.loop(l.ctx, &l.log)
			l.mu.Lock()
			if l.remotes[u.ID()] == u {
				delete(l.remotes, u.ID())
			}
			ended := l.onTrackRemoved
			l.mu.Unlock()
			if ended != nil && l.ctx.Err() == nil {
				ended(u.ID())
			}
		}()
		if fn != nil {
			fn(u)
		}
	})
}

func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

func (l *Link) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *Link) SetLocalDescription(d webrtc.SessionDescription) error {
	if err := l.pc.SetLocalDescription(d); err != nil {
		return err
	}
	l.logDescription("local", d)
	return nil
}

func (l *Link) SetRemoteDescription(d webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(d); err != nil {
		return err
	}
	l.logDescription("remote", d)
	return nil
}

func (l *Link) LocalDescription() *webrtc.SessionDescription  { return l.pc.LocalDescription() }
func (l *Link) RemoteDescription() *webrtc.SessionDescription { return l.pc.RemoteDescription() }

func (l *Link) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

// ReplaceTracks sends exactly units: senders of units no longer present are
// removed and new units get a sender of their own.
func (l *Link) ReplaceTracks(units []stream.Unit) error {
	sources := make([]TrackSource, 0, len(units))
	for _, u := range units {
		src, ok := u.(TrackSource)
		if !ok {
			return fmt.Errorf("unit %s has no local track", u.ID())
		}
		sources = append(sources, src)
	}
	keep := lo.SliceToMap(sources, func(s TrackSource) (string, bool) { return s.ID(), true })

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, sender := range l.senders {
		if keep[id] {
			continue
		}
		if err := l.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("remove track %s: %w", id, err)
		}
		delete(l.senders, id)
	}
	for _, src := range sources {
		if _, ok := l.senders[src.ID()]; ok {
			continue
		}
		sender, err := l.pc.AddTrack(src.TrackLocal())
		if err != nil {
			return fmt.Errorf("add track %s: %w", src.ID(), err)
		}
		l.senders[src.ID()] = sender
		go l.readRTCP(src.ID(), sender)
	}
	return nil
}

// readRTCP drains feedback for one sender so interceptors keep working.
func (l *Link) readRTCP(unitID string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				l.log.Debug().Str("unit", unitID).Msg("keyframe requested")
			}
		}
	}
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.set(func() { l.onICE = fn }) }
func (l *Link) OnStateChange(fn func(core.SubState, string))    { l.set(func() { l.onState = fn }) }
func (l *Link) OnTrack(fn func(stream.Unit))                    { l.set(func() { l.onTrack = fn }) }
func (l *Link) OnTrackRemoved(fn func(string))                  { l.set(func() { l.onTrackRemoved = fn }) }

func (l *Link) set(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

func (l *Link) emitState(sub core.SubState, value string) {
	l.mu.Lock()
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(sub, value)
	}
}

func (l *Link) logDescription(side string, d webrtc.SessionDescription) {
	sum, err := Summarize(d)
	if err != nil {
		l.log.Warn().Err(err).Str("side", side).Msg("unparsable description")
		return
	}
	l.log.Debug().Str("side", side).Str("type", d.Type.String()).Str("media", sum.String()).Msg("description applied")
}

// Close stops every received unit and closes the peer connection.
func (l *Link) Close() error {
	l.cancel()
	l.mu.Lock()
	remotes := lo.Values(l.remotes)
	l.remotes = make(map[string]*RemoteUnit)
	l.mu.Unlock()
	for _, u := range remotes {
		u.Stop()
	}

	if err := l.pc.Close(); err != nil {
		l.log.Error().Err(err).Msg("close error")
		return err
	}
	l.log.Info().Msg("closed")
	return nil
}
