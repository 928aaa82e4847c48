package ingester

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"positionscan/internal/config"
	"positionscan/internal/logsource"
	"positionscan/internal/models"
)

// LogSource is the outbound contract the indexer needs from the block
// explorer API client.
type LogSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FetchLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address, topic0 common.Hash) ([]models.Log, error)
}

// Store is the persistence contract. CommitEvents writes a chunk's
// events, refolds touched positions, and advances the watermark in one
// transaction; RollbackToHeight is its inverse for reorgs.
type Store interface {
	Watermark(ctx context.Context, chain models.Chain) (uint64, error)
	CommitEvents(ctx context.Context, chain models.Chain, events []*models.PositionEvent, watermark uint64) error
	RollbackToHeight(ctx context.Context, chain models.Chain, height uint64) error
}

// EventCallback fires after a chunk commits, once per committed event.
type EventCallback func(models.PositionEvent)

const (
	alertAfterFailedTicks = 5
	fatalAfterFailedTicks = 30
	headCallTimeout       = 30 * time.Second
)

// ChainIndexer is the per-chain cooperative loop: tick, fetch,
// reconcile against the recent window, persist, advance the watermark.
// All state except the shared store is confined to this loop.
type ChainIndexer struct {
	chain        models.Chain
	nfpmAddress  common.Address
	source       LogSource
	store        Store
	window       *Window
	cfg          config.IndexerConfig
	pollInterval time.Duration
	startHeight  uint64
	onEvent      EventCallback
	onFatal      func(models.Chain, error)

	// read by the status API from other goroutines
	lastTip       atomic.Uint64
	lastWatermark atomic.Uint64
	decodeErrors  atomic.Uint64
	failedTicks   atomic.Int32
}

func NewChainIndexer(chain models.Chain, cc *config.ChainConfig, ic config.IndexerConfig, source LogSource, store Store) *ChainIndexer {
	return &ChainIndexer{
		chain:        chain,
		nfpmAddress:  common.HexToAddress(cc.NFPMAddress),
		source:       source,
		store:        store,
		window:       NewWindow(),
		cfg:          ic,
		pollInterval: cc.PollInterval,
		startHeight:  cc.StartHeight,
	}
}

// OnEvent registers a callback for committed events (live updates).
func (ci *ChainIndexer) OnEvent(cb EventCallback) { ci.onEvent = cb }

// OnFatal registers a callback fired when the source has failed for
// more than fatalAfterFailedTicks consecutive ticks.
func (ci *ChainIndexer) OnFatal(cb func(models.Chain, error)) { ci.onFatal = cb }

// ChainStatus is a point-in-time snapshot for the status API.
type ChainStatus struct {
	Chain        models.Chain `json:"chain"`
	Tip          uint64       `json:"tip"`
	Watermark    uint64       `json:"watermark"`
	Lag          uint64       `json:"lag"`
	DecodeErrors uint64       `json:"decode_errors"`
	FailedTicks  int32        `json:"failed_ticks"`
}

func (ci *ChainIndexer) Status() ChainStatus {
	tip := ci.lastTip.Load()
	wm := ci.lastWatermark.Load()
	lag := uint64(0)
	if tip > wm {
		lag = tip - wm
	}
	return ChainStatus{
		Chain:        ci.chain,
		Tip:          tip,
		Watermark:    wm,
		Lag:          lag,
		DecodeErrors: ci.decodeErrors.Load(),
		FailedTicks:  ci.failedTicks.Load(),
	}
}

// Run drives the loop until the context is canceled. The loop never
// advances the watermark on error; a failed tick is retried after a
// backoff sleep.
func (ci *ChainIndexer) Run(ctx context.Context) error {
	log.Printf("[indexer:%s] starting (poll=%s safety_lag=%d window_depth=%d max_range=%d)",
		ci.chain, ci.pollInterval, ci.cfg.SafetyLag, ci.cfg.WindowDepth, ci.cfg.MaxRange)

	if err := ci.bootstrapWindow(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[indexer:%s] window bootstrap failed, continuing with empty window: %v", ci.chain, err)
	}

	for {
		sleep := ci.pollInterval

		err := ci.tick(ctx)
		switch {
		case err == nil:
			ci.failedTicks.Store(0)
		case errors.Is(err, context.Canceled):
			return err
		default:
			n := ci.failedTicks.Add(1)
			if errors.Is(err, logsource.ErrSourceUnavailable) {
				sleep = ci.pollInterval * 2
			}
			if n == alertAfterFailedTicks {
				log.Printf("[indexer:%s] ALERT: %d consecutive failed ticks: %v", ci.chain, n, err)
			}
			if n > fatalAfterFailedTicks && ci.onFatal != nil {
				ci.onFatal(ci.chain, err)
			}
			log.Printf("[indexer:%s] tick failed (consecutive=%d): %v", ci.chain, n, err)
		}

		select {
		case <-ctx.Done():
			log.Printf("[indexer:%s] stopping", ci.chain)
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// bootstrapWindow refetches the last windowDepth blocks below the
// watermark so divergence detection works across restarts.
func (ci *ChainIndexer) bootstrapWindow(ctx context.Context) error {
	wm, err := ci.store.Watermark(ctx, ci.chain)
	if err != nil {
		return err
	}
	ci.lastWatermark.Store(wm)
	if wm == 0 {
		return nil
	}

	from := uint64(0)
	if wm > ci.cfg.WindowDepth {
		from = wm - ci.cfg.WindowDepth
	}
	logs, err := ci.fetchRange(ctx, from, wm)
	if err != nil {
		return err
	}
	ci.window.UpsertBatch(logs)
	log.Printf("[indexer:%s] window rebuilt: %d entries over blocks %d..%d", ci.chain, ci.window.Len(), from, wm)
	return nil
}

func (ci *ChainIndexer) tick(ctx context.Context) error {
	corr := newCorrelationID()

	headCtx, cancel := context.WithTimeout(ctx, headCallTimeout)
	tip, err := ci.source.HeadBlock(headCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("tick=%s head block: %w", corr, err)
	}
	ci.lastTip.Store(tip)

	target := uint64(0)
	if tip > ci.cfg.SafetyLag {
		target = tip - ci.cfg.SafetyLag
	}

	wm, err := ci.store.Watermark(ctx, ci.chain)
	if err != nil {
		return fmt.Errorf("tick=%s read watermark: %w", corr, err)
	}
	if wm == 0 && ci.startHeight > 1 {
		wm = ci.startHeight - 1
	}
	ci.lastWatermark.Store(wm)

	if wm >= target {
		return nil
	}

	from := wm + 1
	for from <= target {
		chunkEnd := from + ci.cfg.MaxRange - 1
		if chunkEnd > target {
			chunkEnd = target
		}

		logs, chunkEnd, err := ci.fetchChunk(ctx, from, chunkEnd)
		if err != nil {
			return fmt.Errorf("tick=%s fetch %d..%d: %w", corr, from, chunkEnd, err)
		}

		if dec := DetectReorg(logs, ci.window); dec.Rollback {
			return ci.rollback(ctx, corr, dec.ToHeight)
		}

		events := ci.decodeBatch(corr, logs)
		if err := ci.store.CommitEvents(ctx, ci.chain, events, chunkEnd); err != nil {
			// No watermark advance, no window mutation: the next
			// tick retries the exact same range.
			return fmt.Errorf("tick=%s commit %d..%d: %w", corr, from, chunkEnd, err)
		}
		ci.window.UpsertBatch(logs)
		ci.lastWatermark.Store(chunkEnd)

		if ci.onEvent != nil {
			for _, ev := range events {
				ci.onEvent(*ev)
			}
		}
		if len(events) > 0 {
			log.Printf("[indexer:%s] tick=%s committed %d events, watermark=%d", ci.chain, corr, len(events), chunkEnd)
		}

		from = chunkEnd + 1
	}

	boundary := uint64(0)
	if wm := ci.lastWatermark.Load(); wm > ci.cfg.WindowDepth {
		boundary = wm - ci.cfg.WindowDepth
	}
	ci.window.Prune(boundary)
	return nil
}

// fetchChunk fetches [from, to], halving the span whenever the source
// refuses the window. The minimum span is a single block.
func (ci *ChainIndexer) fetchChunk(ctx context.Context, from, to uint64) ([]models.Log, uint64, error) {
	for {
		logs, err := ci.fetchRange(ctx, from, to)
		if err == nil {
			return logs, to, nil
		}
		if !errors.Is(err, logsource.ErrWindowTooLarge) {
			return nil, to, err
		}
		span := to - from + 1
		if span <= 1 {
			return nil, to, err
		}
		to = from + span/2 - 1
	}
}

// fetchRange queries the three position topics one at a time and
// unions the results in canonical order.
func (ci *ChainIndexer) fetchRange(ctx context.Context, from, to uint64) ([]models.Log, error) {
	var all []models.Log
	for _, topic := range PositionTopics {
		callCtx, cancel := context.WithTimeout(ctx, headCallTimeout)
		logs, err := ci.source.FetchLogs(callCtx, from, to, ci.nfpmAddress, topic)
		cancel()
		if err != nil {
			return nil, err
		}
		all = append(all, logs...)
	}
	sortLogs(all)
	return all, nil
}

func (ci *ChainIndexer) decodeBatch(corr string, logs []models.Log) []*models.PositionEvent {
	events := make([]*models.PositionEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := DecodeLog(lg)
		if err != nil {
			ci.decodeErrors.Add(1)
			log.Printf("[indexer:%s] tick=%s decode_error block=%d tx=%s: %v", ci.chain, corr, lg.BlockNumber, lg.TxHash.Hex(), err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// rollback runs the reorg subroutine: delete onchain events above h,
// refold touched positions, clamp the watermark, trim the window. The
// whole sequence is idempotent.
func (ci *ChainIndexer) rollback(ctx context.Context, corr string, h uint64) error {
	log.Printf("[indexer:%s] tick=%s reorg detected, rolling back to height %d", ci.chain, corr, h)
	if err := ci.store.RollbackToHeight(ctx, ci.chain, h); err != nil {
		return fmt.Errorf("tick=%s rollback to %d: %w", corr, h, err)
	}
	if h == 0 {
		ci.window.Clear()
	} else {
		ci.window.RemoveAbove(h)
	}
	ci.lastWatermark.Store(h)
	log.Printf("[indexer:%s] tick=%s rollback to %d complete, window=%d entries", ci.chain, corr, h, ci.window.Len())
	return nil
}

func sortLogs(logs []models.Log) {
	sort.Slice(logs, func(i, j int) bool {
		a, b := &logs[i], &logs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.LogIndex < b.LogIndex
	})
}

func newCorrelationID() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
