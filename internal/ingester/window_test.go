package ingester

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"positionscan/internal/models"
)

func windowLog(block uint64, txHash, blockHash byte) models.Log {
	return models.Log{
		Chain:       models.ChainArbitrum,
		BlockNumber: block,
		BlockHash:   common.Hash{blockHash},
		TxHash:      common.Hash{txHash},
		TxIndex:     1,
		LogIndex:    2,
	}
}

func TestWindowUpsertOverwrites(t *testing.T) {
	w := NewWindow()
	w.Upsert(windowLog(110, 0xaa, 0x01))
	w.Upsert(windowLog(111, 0xaa, 0x02))

	e, ok := w.Lookup(common.Hash{0xaa})
	if !ok {
		t.Fatal("entry missing")
	}
	if e.BlockNumber != 111 || e.BlockHash != (common.Hash{0x02}) {
		t.Errorf("entry not overwritten: %+v", e)
	}
	if w.Len() != 1 {
		t.Errorf("Len=%d, want 1", w.Len())
	}
}

func TestWindowPruneInclusiveBoundary(t *testing.T) {
	w := NewWindow()
	w.Upsert(windowLog(100, 0x01, 0x01))
	w.Upsert(windowLog(119, 0x02, 0x02))
	w.Upsert(windowLog(120, 0x03, 0x03))

	w.Prune(119)

	if _, ok := w.Lookup(common.Hash{0x01}); ok {
		t.Error("entry at 100 should be pruned")
	}
	if _, ok := w.Lookup(common.Hash{0x02}); ok {
		t.Error("entry at boundary 119 should be pruned")
	}
	if _, ok := w.Lookup(common.Hash{0x03}); !ok {
		t.Error("entry at 120 should survive")
	}
}

func TestWindowRemoveAboveStrict(t *testing.T) {
	w := NewWindow()
	w.Upsert(windowLog(119, 0x01, 0x01))
	w.Upsert(windowLog(120, 0x02, 0x02))
	w.Upsert(windowLog(130, 0x03, 0x03))

	w.RemoveAbove(119)

	if _, ok := w.Lookup(common.Hash{0x01}); !ok {
		t.Error("entry at 119 should survive")
	}
	if _, ok := w.Lookup(common.Hash{0x02}); ok {
		t.Error("entry at 120 should be removed")
	}
	if _, ok := w.Lookup(common.Hash{0x03}); ok {
		t.Error("entry at 130 should be removed")
	}
}

func TestWindowClear(t *testing.T) {
	w := NewWindow()
	w.UpsertBatch([]models.Log{windowLog(1, 0x01, 0x01), windowLog(2, 0x02, 0x02)})
	w.Clear()
	if w.Len() != 0 {
		t.Errorf("Len=%d after Clear, want 0", w.Len())
	}
}
