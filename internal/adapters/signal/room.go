package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

func (ctl *SignalWSController) handleCreate(conn *WsSignalConn, msg core.RelayMessage) {
	created, err := ctl.Orch.CreateRoom(msg.Room)
	if err != nil {
		ctl.sendError(conn, "invalid_room")
		return
	}
	log.Info().Str("module", "signal").Str("room", msg.Room.String()).Bool("created", created).Msg("create")
	ctl.sendJSON(conn, core.RelayMessage{Type: core.RelayCreated, Room: msg.Room})
}

func (ctl *SignalWSController) handleJoin(sid core.SessionID, conn *WsSignalConn, msg core.RelayMessage) {
	members, err := ctl.Orch.Join(sid, msg.Room, msg.ID)
	switch {
	case errors.Is(err, domain.ErrInvalidParticipantID):
		ctl.sendError(conn, "invalid_id")
		return
	case errors.Is(err, domain.ErrRoomNotFound):
		ctl.sendError(conn, "room_not_found")
		return
	case err != nil:
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join")
		ctl.sendError(conn, "join_failed")
		return
	}
	ctl.sendJSON(conn, core.RelayMessage{Type: core.RelayJoined, Room: msg.Room, Members: members})
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, conn *WsSignalConn, msg core.RelayMessage) {
	if len(msg.Payload) == 0 {
		ctl.sendError(conn, "bad_payload")
		return
	}
	if err := ctl.Orch.OnSignal(sid, msg.Payload, msg.IncludeMe); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("signal")
		ctl.sendError(conn, "not_in_room")
	}
}

// handleLeave exits the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.KickBySID(sid)
}
