package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/core/mocks"
	"github.com/dkeye/voicemesh/internal/domain"
)

func TestRoom_BroadcastHonorsIncludeMe(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)

	// Given a room with three members, one of them congested
	room := core.NewRoomService(&domain.Room{Name: "room-01"})
	a, b, c := mocks.NewMockSignalConnection(ctrl), mocks.NewMockSignalConnection(ctrl), mocks.NewMockSignalConnection(ctrl)
	room.AddMember("sa", core.NewMemberSession(&domain.Member{SID: "sa", ID: "A"}, a))
	room.AddMember("sb", core.NewMemberSession(&domain.Member{SID: "sb", ID: "B"}, b))
	room.AddMember("sc", core.NewMemberSession(&domain.Member{SID: "sc", ID: "C"}, c))

	frame := core.Frame(`{"word":"hello","from":"A"}`)
	b.EXPECT().TrySend(frame).Return(nil).Times(2)
	c.EXPECT().TrySend(frame).Return(errors.New("buffer full")).Times(2)
	a.EXPECT().TrySend(frame).Return(nil).Times(1)

	// When A broadcasts without and then with itself
	res := room.Broadcast("sa", frame, false)
	req.Equal(1, res.SendTo)
	req.Len(res.Dropped, 1)
	req.Equal(domain.ParticipantID("C"), res.Dropped[0].Meta().ID)

	res = room.Broadcast("sa", frame, true)
	req.Equal(2, res.SendTo)
}

func TestRoom_MembershipOrder(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	room := core.NewRoomService(&domain.Room{Name: "room-01"})

	for _, id := range []string{"C", "A", "B"} {
		room.AddMember(core.SessionID("s"+id), core.NewMemberSession(&domain.Member{SID: "s" + id, ID: domain.ParticipantID(id)}, mocks.NewMockSignalConnection(ctrl)))
	}
	req.Equal(3, room.MemberCount())

	_, ok := room.RemoveMember("sA")
	req.True(ok)
	_, ok = room.RemoveMember("sA")
	req.False(ok)

	req.Equal([]core.MemberDTO{{ID: "C"}, {ID: "B"}}, room.MembersSnapshot())
}
