package ingester

import (
	"context"
	"log"
	"sync"

	"positionscan/internal/config"
	"positionscan/internal/logsource"
	"positionscan/internal/models"
)

// Service runs one ChainIndexer per configured chain. Chains share
// nothing but the store; each loop is single-threaded.
type Service struct {
	indexers map[models.Chain]*ChainIndexer

	fatalOnce sync.Once
	fatalCh   chan models.Chain
}

func NewService(cfg *config.Config, store Store) *Service {
	s := &Service{
		indexers: make(map[models.Chain]*ChainIndexer),
		fatalCh:  make(chan models.Chain, 1),
	}
	for chain, cc := range cfg.Chains {
		source := logsource.New(chain, cc.Endpoint, cc.APIKey, cfg.Indexer.MaxRetries, cfg.Indexer.BaseBackoff)
		ci := NewChainIndexer(chain, cc, cfg.Indexer, source, store)
		ci.OnFatal(s.signalFatal)
		s.indexers[chain] = ci
	}
	return s
}

// Indexer returns the indexer for a chain, or nil.
func (s *Service) Indexer(chain models.Chain) *ChainIndexer {
	return s.indexers[chain]
}

// OnEvent registers the committed-event callback on every chain.
func (s *Service) OnEvent(cb EventCallback) {
	for _, ci := range s.indexers {
		ci.OnEvent(cb)
	}
}

// Fatal delivers the chain whose source has persistently failed.
// The process treats this as exit condition 2.
func (s *Service) Fatal() <-chan models.Chain {
	return s.fatalCh
}

func (s *Service) signalFatal(chain models.Chain, err error) {
	s.fatalOnce.Do(func() {
		log.Printf("[ingester] chain %s source persistently failing: %v", chain, err)
		s.fatalCh <- chain
	})
}

// Start launches all chain loops and blocks until the context is
// canceled and every loop has stopped.
func (s *Service) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ci := range s.indexers {
		wg.Add(1)
		go func(ci *ChainIndexer) {
			defer wg.Done()
			ci.Run(ctx)
		}(ci)
	}
	wg.Wait()
}

// Statuses snapshots every chain for the status API.
func (s *Service) Statuses() []ChainStatus {
	out := make([]ChainStatus, 0, len(s.indexers))
	for _, chain := range models.AllChains {
		if ci, ok := s.indexers[chain]; ok {
			out = append(out, ci.Status())
		}
	}
	return out
}
