package ingester

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"positionscan/internal/models"
)

// Topic-0 fingerprints of the three NFPM position events. These are
// keccak-256 of the canonical signatures; the decoder tests derive them
// from the signatures to guard against drift.
var (
	TopicIncreaseLiquidity = common.HexToHash("0x3067048beee31b25b2f1681f88dac838c8bba36af25bfb2b7cf7473a5847e35f")
	TopicDecreaseLiquidity = common.HexToHash("0x26f6a048ee9138f2c0ce266f322cb99228e8d619ae2bff30c67f8dcf9d2377b4")
	TopicCollect           = common.HexToHash("0x40d0efd1a53d60ecbf40971b9daf7dc90178c3aadc7aab1765632738fa8b8f01")
)

// PositionTopics is the full topic set the scanner subscribes to.
var PositionTopics = []common.Hash{
	TopicIncreaseLiquidity,
	TopicDecreaseLiquidity,
	TopicCollect,
}

// eventDataWords is the fixed ABI payload size: three 32-byte words
// for all three event kinds.
const eventDataWords = 3

// DecodeLog parses one raw NFPM log into a canonical PositionEvent.
// A failure is fatal for the log only; the caller counts it and moves on.
func DecodeLog(lg models.Log) (*models.PositionEvent, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("decode: want 2 topics (signature, tokenId), got %d", len(lg.Topics))
	}
	if len(lg.Data) != eventDataWords*32 {
		return nil, fmt.Errorf("decode: want %d data bytes, got %d", eventDataWords*32, len(lg.Data))
	}

	tokenID := new(big.Int).SetBytes(lg.Topics[1].Bytes())

	word := func(i int) []byte { return lg.Data[i*32 : (i+1)*32] }
	amount := func(i int) string { return new(big.Int).SetBytes(word(i)).String() }

	ev := &models.PositionEvent{
		Chain:          lg.Chain,
		NFTTokenID:     tokenID.String(),
		BlockNumber:    lg.BlockNumber,
		TxIndex:        lg.TxIndex,
		LogIndex:       lg.LogIndex,
		TxHash:         lg.TxHash.Hex(),
		BlockTimestamp: lg.Timestamp,
		Source:         models.SourceOnchain,
	}

	switch lg.Topics[0] {
	case TopicIncreaseLiquidity:
		ev.Kind = models.EventIncreaseLiquidity
		ev.LiquidityDelta = amount(0)
		ev.Amount0 = amount(1)
		ev.Amount1 = amount(2)
	case TopicDecreaseLiquidity:
		ev.Kind = models.EventDecreaseLiquidity
		ev.LiquidityDelta = amount(0)
		ev.Amount0 = amount(1)
		ev.Amount1 = amount(2)
	case TopicCollect:
		ev.Kind = models.EventCollect
		ev.Recipient = common.BytesToAddress(word(0)[12:]).Hex()
		ev.Amount0 = amount(1)
		ev.Amount1 = amount(2)
	default:
		return nil, fmt.Errorf("decode: unknown topic0 %s", lg.Topics[0])
	}

	return ev, nil
}
