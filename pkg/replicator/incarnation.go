package replicator

import (
	"go.uber.org/zap"

	"github.com/redoflow/redoflow/pkg/errors"
)

// updateResetlogs tracks database incarnations: it resolves the current
// incarnation from the metadata's resetlogs value and detects a reset-logs
// transition (a successor incarnation whose resetlogsScn equals the next
// SCN). On a transition every thread's position rewinds to sequence zero.
func (r *Replicator) updateResetlogs() error {
	md := r.metadata
	md.Lock()
	defer md.Unlock()

	for _, oi := range md.DbIncarnations {
		if oi.Resetlogs == md.Resetlogs {
			md.DbIncarnationCurrent = oi
			break
		}
	}

	// Resetlogs is changed
	for _, oi := range md.DbIncarnations {
		if md.DbIncarnationCurrent != nil &&
			oi.ResetlogsScn == md.NextScn &&
			md.DbIncarnationCurrent.Resetlogs == md.Resetlogs &&
			oi.PriorIncarnation == md.DbIncarnationCurrent.Incarnation &&
			oi.Resetlogs != md.Resetlogs {
			r.ctx.Logger.Info(0, "new resetlogs detected", zap.Uint32("resetlogs", oi.Resetlogs))
			md.SetResetlogsLocked(oi.Resetlogs)
			md.ZeroThreadPositionsLocked()
			md.DbIncarnationCurrent = oi
			return nil
		}
	}

	if len(md.DbIncarnations) == 0 {
		return nil
	}

	if md.DbIncarnationCurrent == nil {
		return errors.Newf(errors.KindRuntime, errors.CodeResetlogsUnknown,
			"resetlogs (%d) not found in incarnation list", md.Resetlogs)
	}
	return nil
}
