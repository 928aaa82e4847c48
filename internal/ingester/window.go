package ingester

import (
	"github.com/ethereum/go-ethereum/common"

	"positionscan/internal/models"
)

// WindowEntry remembers where a transaction's log was last observed.
type WindowEntry struct {
	BlockNumber uint64
	BlockHash   common.Hash
	TxIndex     uint32
	LogIndex    uint32
}

// Window is the in-memory recent-blocks map keyed by transaction hash.
// It lives only in process memory and is rebuilt after a restart by
// refetching [watermark-windowDepth, watermark]. Access is confined to
// the owning chain loop, so no locking is needed.
type Window struct {
	entries map[common.Hash]WindowEntry
}

func NewWindow() *Window {
	return &Window{entries: make(map[common.Hash]WindowEntry)}
}

// Upsert inserts or overwrites the entry for the log's transaction.
func (w *Window) Upsert(lg models.Log) {
	w.entries[lg.TxHash] = WindowEntry{
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash,
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.LogIndex,
	}
}

// UpsertBatch bulk-upserts in slice order.
func (w *Window) UpsertBatch(logs []models.Log) {
	for _, lg := range logs {
		w.Upsert(lg)
	}
}

// Lookup returns the remembered entry for a transaction hash.
func (w *Window) Lookup(txHash common.Hash) (WindowEntry, bool) {
	e, ok := w.entries[txHash]
	return e, ok
}

// Prune deletes all entries at or below the boundary height.
func (w *Window) Prune(boundary uint64) {
	for h, e := range w.entries {
		if e.BlockNumber <= boundary {
			delete(w.entries, h)
		}
	}
}

// RemoveAbove deletes entries strictly above the given height.
// Used when rolling back past a reorg point.
func (w *Window) RemoveAbove(height uint64) {
	for h, e := range w.entries {
		if e.BlockNumber > height {
			delete(w.entries, h)
		}
	}
}

// Clear empties the window.
func (w *Window) Clear() {
	w.entries = make(map[common.Hash]WindowEntry)
}

func (w *Window) Len() int {
	return len(w.entries)
}
