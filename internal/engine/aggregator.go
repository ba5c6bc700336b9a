package engine

import (
	"go.uber.org/zap"

	"github.com/xd009642/murk/internal/logger"
	"github.com/xd009642/murk/internal/scripting"
	"github.com/xd009642/murk/internal/summary"
)

// Aggregate is the single consumer of the stats channel. It folds every
// record into sum until the channel closes. When a bridge is attached each
// record is offered to it before aggregation; a full bridge queue drops the
// record for the script but never delays the fold.
func Aggregate(records <-chan summary.RequestStats, bridge *scripting.Bridge, sum *summary.Summary) {
	var dropped uint64
	for stat := range records {
		if bridge != nil && !bridge.TrySend(stat) {
			dropped++
		}
		// The bridge keeps its own reference to the body; the summary never
		// retains it.
		stat.Body = nil
		sum.Record(stat)
	}
	if dropped > 0 {
		logger.Log.Warn("Script bridge queue overflowed",
			zap.Uint64("dropped_records", dropped))
	}
}
