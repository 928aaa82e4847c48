package ingester

import (
	"positionscan/internal/models"
)

// Decision is the reorg detector's verdict for a batch of fresh logs.
type Decision struct {
	Rollback bool
	ToHeight uint64 // highest block that is still trusted
}

func advance() Decision {
	return Decision{}
}

func rollbackTo(divergedAt uint64) Decision {
	to := uint64(0)
	if divergedAt > 0 {
		to = divergedAt - 1
	}
	return Decision{Rollback: true, ToHeight: to}
}

// DetectReorg compares freshly fetched logs against the recent window.
// A transaction seen before at a different block hash marks a
// divergence at its previously observed height; a provider-reported
// removed log marks one at the log's own height. The rollback target is
// one below the lowest divergence.
func DetectReorg(logs []models.Log, w *Window) Decision {
	divergedAt := uint64(0)
	found := false

	record := func(height uint64) {
		if !found || height < divergedAt {
			divergedAt = height
			found = true
		}
	}

	for _, lg := range logs {
		if lg.Removed {
			record(lg.BlockNumber)
			continue
		}
		prev, ok := w.Lookup(lg.TxHash)
		if !ok {
			continue
		}
		if prev.BlockHash != lg.BlockHash {
			record(prev.BlockNumber)
		}
	}

	if found {
		return rollbackTo(divergedAt)
	}
	return advance()
}
