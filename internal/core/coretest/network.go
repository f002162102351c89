package coretest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

// Network pairs simulated links whose descriptions match: once an offerer
// has applied the answer of a link holding its offer, both report
// "connected" and the answering side receives the offerer's units.
type Network struct {
	mu    sync.Mutex
	seq   int
	links []*Link
}

func NewNetwork() *Network {
	return &Network{}
}

func (n *Network) next() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return n.seq
}

func (n *Network) register(l *Link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links = append(n.links, l)
}

func (n *Network) peerOf(offerer *Link) (*Link, bool) {
	local, remote := offerer.LocalDescription(), offerer.RemoteDescription()
	if local == nil || remote == nil {
		return nil, false
	}
	n.mu.Lock()
	candidates := append([]*Link(nil), n.links...)
	n.mu.Unlock()
	return lo.Find(candidates, func(l *Link) bool {
		if l == offerer || l.IsClosed() {
			return false
		}
		ll, lr := l.LocalDescription(), l.RemoteDescription()
		return ll != nil && lr != nil && lr.SDP == local.SDP && ll.SDP == remote.SDP
	})
}

func (n *Network) connect(offerer *Link) {
	peer, ok := n.peerOf(offerer)
	if !ok {
		return
	}
	for _, l := range []*Link{offerer, peer} {
		l.emitState(core.SubStateICEConnection, "connected")
		l.emitState(core.SubStateConnection, core.ConnectionConnected)
	}
	peer.receive(offerer.offeredUnits())
}

// Factory creates links for one local session.
type Factory struct {
	net  *Network
	self domain.ParticipantID

	// Err makes NewLink fail.
	Err error
	// Created, when set, sees every link before NewLink returns it.
	Created func(*Link)

	mu    sync.Mutex
	links []*Link
}

func (n *Network) Factory(self domain.ParticipantID) *Factory {
	return &Factory{net: n, self: self}
}

func (f *Factory) NewLink(owner domain.ParticipantID, dir domain.Direction) (core.TransportLink, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	l := &Link{
		net:      f.net,
		Self:     f.self,
		Owner:    owner,
		Dir:      dir,
		calls:    make(map[string]int),
		failures: make(map[string]error),
		states:   make(map[core.SubState]string),
		received: make(map[string]*Unit),
		holds:    make(map[string]*hold),
	}
	f.net.register(l)
	f.mu.Lock()
	f.links = append(f.links, l)
	created := f.Created
	f.mu.Unlock()
	if created != nil {
		created(l)
	}
	return l, nil
}

// Links returns every link created so far.
func (f *Factory) Links() []*Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Link(nil), f.links...)
}

// Latest returns the newest link for owner and dir.
func (f *Factory) Latest(owner domain.ParticipantID, dir domain.Direction) (*Link, bool) {
	links := f.Links()
	for i := len(links) - 1; i >= 0; i-- {
		if links[i].Owner == owner && links[i].Dir == dir {
			return links[i], true
		}
	}
	return nil, false
}

// Link is a simulated core.TransportLink.
type Link struct {
	net   *Network
	Self  domain.ParticipantID
	Owner domain.ParticipantID
	Dir   domain.Direction

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	units      []stream.Unit
	offered    []stream.Unit
	candidates []webrtc.ICECandidateInit
	calls      map[string]int
	order      []string
	holds      map[string]*hold
	failures   map[string]error
	states     map[core.SubState]string
	received   map[string]*Unit
	closed     bool

	onICE          func(webrtc.ICECandidateInit)
	onState        func(core.SubState, string)
	onTrack        func(stream.Unit)
	onTrackRemoved func(string)
}

var _ core.TransportLink = (*Link)(nil)

// FailOn makes every later call of method return err.
func (l *Link) FailOn(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[method] = err
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

// Hold parks the next call of method until release is called. entered is
// closed once that call has started.
func (l *Link) Hold(method string) (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	l.mu.Lock()
	l.holds[method] = h
	l.mu.Unlock()
	var once sync.Once
	return h.entered, func() { once.Do(func() { close(h.release) }) }
}

// Calls returns how many times method was invoked.
func (l *Link) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Order returns the invoked methods in call order.
func (l *Link) Order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *Link) enter(method string) error {
	l.mu.Lock()
	l.calls[method]++
	l.order = append(l.order, method)
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%s: link closed", method)
	}
	err := l.failures[method]
	h := l.holds[method]
	delete(l.holds, method)
	l.mu.Unlock()

	if h != nil {
		close(h.entered)
		<-h.release
	}
	return err
}

func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	if err := l.enter("CreateOffer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.mu.Lock()
	ids := lo.Map(l.units, func(u stream.Unit, _ int) string { return u.ID() })
	l.mu.Unlock()
	sdp := fmt.Sprintf("v=0\r\no=%s %d IN IP4 127.0.0.1\r\ns=%s->%s\r\na=tracks:%s\r\n",
		l.Self, l.net.next(), l.Self, l.Owner, strings.Join(ids, ","))
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (l *Link) CreateAnswer() (webrtc.SessionDescription, error) {
	if err := l.enter("CreateAnswer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.mu.Lock()
	remote := l.remote
	l.mu.Unlock()
	if remote == nil || remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("no remote offer")
	}
	sdp := fmt.Sprintf("v=0\r\no=%s %d IN IP4 127.0.0.1\r\ns=%s->%s\r\n",
		l.Self, l.net.next(), l.Self, l.Owner)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}, nil
}

func (l *Link) SetLocalDescription(d webrtc.SessionDescription) error {
	if err := l.enter("SetLocalDescription"); err != nil {
		return err
	}
	l.mu.Lock()
	l.local = &d
	if d.Type == webrtc.SDPTypeOffer {
		l.offered = append([]stream.Unit(nil), l.units...)
	}
	l.mu.Unlock()

	if d.Type == webrtc.SDPTypeOffer {
		l.emitState(core.SubStateSignaling, "have-local-offer")
	} else {
		l.emitState(core.SubStateSignaling, "stable")
	}
	l.emitState(core.SubStateICEGathering, "gathering")
	l.emitCandidate(webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", l.net.next(), 40000+l.net.next()),
	})
	l.emitState(core.SubStateICEGathering, "complete")
	return nil
}

func (l *Link) SetRemoteDescription(d webrtc.SessionDescription) error {
	if err := l.enter("SetRemoteDescription"); err != nil {
		return err
	}
	l.mu.Lock()
	l.remote = &d
	l.mu.Unlock()

	if d.Type == webrtc.SDPTypeOffer {
		l.emitState(core.SubStateSignaling, "have-remote-offer")
		return nil
	}
	l.emitState(core.SubStateSignaling, "stable")
	l.net.connect(l)
	return nil
}

func (l *Link) LocalDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local
}

func (l *Link) RemoteDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *Link) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := l.enter("AddICECandidate"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

// Candidates returns the remote candidates applied so far.
func (l *Link) Candidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), l.candidates...)
}

func (l *Link) ReplaceTracks(units []stream.Unit) error {
	if err := l.enter("ReplaceTracks"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.units = append([]stream.Unit(nil), units...)
	return nil
}

// Tracks returns the ids of the units currently sent.
func (l *Link) Tracks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo.Map(l.units, func(u stream.Unit, _ int) string { return u.ID() })
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

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.calls["Close"]++
	l.mu.Unlock()
	l.emitState(core.SubStateConnection, core.ConnectionClosed)
	return nil
}

func (l *Link) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// State returns the last reported value of sub.
func (l *Link) State(sub core.SubState) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[sub]
}

// Fail simulates the remote peer vanishing.
func (l *Link) Fail() {
	l.emitState(core.SubStateICEConnection, "failed")
	l.emitState(core.SubStateConnection, core.ConnectionFailed)
}

// EndTrack simulates a received unit ending.
func (l *Link) EndTrack(id string) {
	l.mu.Lock()
	_, ok := l.received[id]
	delete(l.received, id)
	fn := l.onTrackRemoved
	l.mu.Unlock()
	if ok && fn != nil {
		fn(id)
	}
}

func (l *Link) offeredUnits() []stream.Unit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stream.Unit(nil), l.offered...)
}

func (l *Link) receive(units []stream.Unit) {
	l.mu.Lock()
	var added []stream.Unit
	keep := make(map[string]bool, len(units))
	for _, u := range units {
		keep[u.ID()] = true
		if _, ok := l.received[u.ID()]; ok {
			continue
		}
		ru := NewUnit(u.ID(), u.Kind())
		l.received[u.ID()] = ru
		added = append(added, ru)
	}
	var removed []string
	for id := range l.received {
		if !keep[id] {
			removed = append(removed, id)
			delete(l.received, id)
		}
	}
	onTrack, onRemoved := l.onTrack, l.onTrackRemoved
	l.mu.Unlock()

	for _, u := range added {
		if onTrack != nil {
			onTrack(u)
		}
	}
	for _, id := range removed {
		if onRemoved != nil {
			onRemoved(id)
		}
	}
}

func (l *Link) emitState(sub core.SubState, value string) {
	l.mu.Lock()
	l.states[sub] = value
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(sub, value)
	}
}

func (l *Link) emitCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	fn := l.onICE
	l.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}
