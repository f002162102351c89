package negotiation

import (
	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/events"
)

// requestContentHint asks p for the intents of every unit received from it.
func (e *Engine) requestContentHint(p *directory.Participant) {
	ids := p.Incoming().UnitIDs()
	if len(ids) == 0 {
		return
	}
	env, err := core.NewEnvelope(core.WordNeedContentHint, e.cfg.Self, p.ID(), ids)
	if err == nil {
		err = e.channel.Send(env)
	}
	if err != nil {
		e.bus.Emit(events.Error{Err: &domain.OpError{
			Op:          domain.OpContentHint,
			Participant: p.ID(),
			Direction:   domain.DirectionIn,
			Topology:    e.cfg.Topology,
			Err:         err,
		}})
	}
}

// onNeedContentHint answers with the intents of the requested local units.
// Ids not present in the local stream are left out.
func (e *Engine) onNeedContentHint(env core.Envelope) {
	var ids []string
	if err := env.Decode(&ids); err != nil {
		e.log.Warn().Err(err).Str("from", env.From.String()).Msg("bad needcontenthint payload")
		return
	}
	hints := make(map[string]domain.Intent, len(ids))
	if e.local != nil {
		for _, id := range ids {
			if intent, ok := e.local.Intent(id); ok {
				hints[id] = intent
			}
		}
	}
	reply, err := core.NewEnvelope(core.WordContentHint, e.cfg.Self, env.From, hints)
	if err == nil {
		err = e.channel.Send(reply)
	}
	if err != nil {
		e.bus.Emit(events.Error{Err: &domain.OpError{
			Op:          domain.OpContentHint,
			Participant: env.From,
			Direction:   domain.DirectionOut,
			Topology:    e.cfg.Topology,
			Err:         err,
		}})
	}
}

// onContentHint tags the sender's incoming units and republishes its view.
func (e *Engine) onContentHint(env core.Envelope) {
	var hints map[string]domain.Intent
	if err := env.Decode(&hints); err != nil {
		e.log.Warn().Err(err).Str("from", env.From.String()).Msg("bad contenthint payload")
		return
	}
	p, ok := e.dir.Get(env.From)
	if !ok {
		return
	}
	view := p.ApplyHints(hints)
	e.log.Debug().Str("participant", p.ID().String()).Int("intents", len(view)).Msg("content hint applied")
	e.publishParticipants()
}
