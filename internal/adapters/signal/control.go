package signal

import (
	"github.com/dkeye/voicemesh/internal/core"
)

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, core.RelayMessage{Type: core.RelayPong})
}

func (ctl *SignalWSController) sendError(conn *WsSignalConn, reason string) {
	ctl.sendJSON(conn, core.RelayMessage{Type: core.RelayError, Error: reason})
}
