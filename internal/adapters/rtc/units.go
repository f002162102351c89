package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/domain"
)

// LocalUnit is a unit backed by a local track.
type LocalUnit struct {
	id    string
	kind  domain.Kind
	track webrtc.TrackLocal

	once sync.Once
	stop func()
}

func NewLocalUnit(id string, kind domain.Kind, track webrtc.TrackLocal, stop func()) *LocalUnit {
	return &LocalUnit{id: id, kind: kind, track: track, stop: stop}
}

func (u *LocalUnit) ID() string                    { return u.id }
func (u *LocalUnit) Kind() domain.Kind             { return u.kind }
func (u *LocalUnit) TrackLocal() webrtc.TrackLocal { return u.track }

func (u *LocalUnit) Stop() {
	u.once.Do(func() {
		if u.stop != nil {
			u.stop()
		}
	})
}
