package domain

// Member represents a connection's participation meta for a relay room.
// No transport or lifecycle logic here.
type Member struct {
	SID string        `json:"-"`
	ID  ParticipantID `json:"id"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(sid string, id ParticipantID) *Member {
	return &Member{SID: sid, ID: id}
}
