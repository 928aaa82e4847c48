package logsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"positionscan/internal/models"
)

// Sentinel errors surfaced to the indexer loop. The loop keys its
// failure handling off these with errors.Is.
var (
	ErrSourceUnavailable = errors.New("log source unavailable")
	ErrSourceMalformed   = errors.New("log source response malformed")
	ErrWindowTooLarge    = errors.New("log source result window too large")
)

const (
	maxBackoff         = 30 * time.Second
	rateLimitedBackoff = 2 * time.Second
	requestTimeout     = 30 * time.Second
)

// Client pulls filtered contract logs from an etherscan-style HTTP API
// for one chain. Calls are throttled to stay under provider limits.
type Client struct {
	chain       models.Chain
	endpoint    string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration

	// sleep is swappable in tests so retries don't wall-clock wait.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(chain models.Chain, endpoint, apiKey string, maxRetries int, baseBackoff time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseBackoff <= 0 {
		baseBackoff = 500 * time.Millisecond
	}
	return &Client{
		chain:       chain,
		endpoint:    endpoint,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: requestTimeout},
		limiter:     rate.NewLimiter(rate.Limit(5), 5), // etherscan free tier: 5 req/s
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// apiResponse is the etherscan-style envelope. result is either a log
// array or an error string depending on status.
type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// rawLog mirrors the provider's log JSON. Numeric fields arrive as hex
// or decimal strings depending on the provider.
type rawLog struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	BlockHash        string   `json:"blockHash"`
	TimeStamp        string   `json:"timeStamp"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

// FetchLogs queries one topic over [fromBlock, toBlock] for the given
// contract. Results are sorted and unique on (block, txIndex, logIndex).
// The client does not paginate internally: a refused span surfaces as
// ErrWindowTooLarge and the caller halves the range.
func (c *Client) FetchLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address, topic0 common.Hash) ([]models.Log, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("invalid range %d..%d", fromBlock, toBlock)
	}

	params := url.Values{}
	params.Set("module", "logs")
	params.Set("action", "getLogs")
	params.Set("fromBlock", strconv.FormatUint(fromBlock, 10))
	params.Set("toBlock", strconv.FormatUint(toBlock, 10))
	params.Set("address", strings.ToLower(address.Hex()))
	params.Set("topic0", topic0.Hex())
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	body, err := c.doWithRetry(ctx, params)
	if err != nil {
		return nil, err
	}

	var raws []rawLog
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("%w: decoding log array: %v", ErrSourceMalformed, err)
	}

	logs := make([]models.Log, 0, len(raws))
	for _, r := range raws {
		lg, err := c.convertLog(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceMalformed, err)
		}
		logs = append(logs, lg)
	}
	return dedupeSorted(logs), nil
}

// HeadBlock returns the current chain tip height.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	params := url.Values{}
	params.Set("module", "proxy")
	params.Set("action", "eth_blockNumber")
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	body, err := c.doWithRetry(ctx, params)
	if err != nil {
		return 0, err
	}

	var hexHeight string
	if err := json.Unmarshal(body, &hexHeight); err != nil {
		return 0, fmt.Errorf("%w: decoding head block: %v", ErrSourceMalformed, err)
	}
	height, err := parseUint(hexHeight)
	if err != nil {
		return 0, fmt.Errorf("%w: head block %q: %v", ErrSourceMalformed, hexHeight, err)
	}
	return height, nil
}

// doWithRetry issues the request with exponential backoff. Transport
// failures, 5xx and rate limits are retried; everything else surfaces
// immediately. Returns the raw result payload.
func (c *Client) doWithRetry(ctx context.Context, params url.Values) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoffDelay(attempt, lastErr)); err != nil {
				return nil, err
			}
		}

		result, err := c.doOnce(ctx, params)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: chain=%s after %d attempts: %v", ErrSourceUnavailable, c.chain, c.maxRetries, lastErr)
}

// backoffDelay computes the delay before the given (1-based) retry.
// Rate limits restart the schedule at 2s instead of the base backoff.
func (c *Client) backoffDelay(attempt int, lastErr error) time.Duration {
	start := c.baseBackoff
	if errors.Is(lastErr, errRateLimited) {
		start = rateLimitedBackoff
	}
	d := start << uint(attempt-1)
	if d > maxBackoff {
		d = maxBackoff
	}
	// Up to 10% jitter so parallel chain loops don't sync up.
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}

var errRateLimited = errors.New("rate limited")

type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string { return "http status " + strconv.Itoa(e.code) }

func isRetryable(err error) bool {
	if errors.Is(err, errRateLimited) {
		return true
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	// Transport-level failure (timeout, connection refused, ...).
	return !errors.Is(err, ErrSourceMalformed) && !errors.Is(err, ErrWindowTooLarge)
}

func (c *Client) doOnce(ctx context.Context, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "positionscan/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{code: resp.StatusCode}
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceMalformed, err)
	}

	// status "0" carries either "no records" (fine), a rate-limit
	// message, or a refused window.
	if envelope.Status == "0" {
		msg := strings.ToLower(envelope.Message + " " + resultString(envelope.Result))
		switch {
		case strings.Contains(msg, "no records found"), strings.Contains(msg, "no logs found"):
			return json.RawMessage("[]"), nil
		case strings.Contains(msg, "rate limit"):
			return nil, errRateLimited
		case strings.Contains(msg, "window"), strings.Contains(msg, "result set too large"):
			return nil, fmt.Errorf("%w: chain=%s: %s", ErrWindowTooLarge, c.chain, envelope.Message)
		default:
			return nil, fmt.Errorf("%w: chain=%s: status 0: %s", ErrSourceMalformed, c.chain, envelope.Message)
		}
	}
	return envelope.Result, nil
}

func resultString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

func (c *Client) convertLog(r rawLog) (models.Log, error) {
	blockNumber, err := parseUint(r.BlockNumber)
	if err != nil {
		return models.Log{}, fmt.Errorf("blockNumber %q: %v", r.BlockNumber, err)
	}
	txIndex, err := parseUint(r.TransactionIndex)
	if err != nil {
		return models.Log{}, fmt.Errorf("transactionIndex %q: %v", r.TransactionIndex, err)
	}
	logIndex, err := parseUint(r.LogIndex)
	if err != nil {
		return models.Log{}, fmt.Errorf("logIndex %q: %v", r.LogIndex, err)
	}
	ts, err := parseUint(r.TimeStamp)
	if err != nil {
		return models.Log{}, fmt.Errorf("timeStamp %q: %v", r.TimeStamp, err)
	}
	data, err := hexutil.Decode(r.Data)
	if err != nil {
		return models.Log{}, fmt.Errorf("data %q: %v", r.Data, err)
	}

	topics := make([]common.Hash, len(r.Topics))
	for i, t := range r.Topics {
		topics[i] = common.HexToHash(t)
	}

	return models.Log{
		Chain:       c.chain,
		Address:     common.HexToAddress(r.Address),
		BlockNumber: blockNumber,
		BlockHash:   common.HexToHash(r.BlockHash),
		Timestamp:   time.Unix(int64(ts), 0).UTC(),
		TxHash:      common.HexToHash(r.TransactionHash),
		TxIndex:     uint32(txIndex),
		LogIndex:    uint32(logIndex),
		Topics:      topics,
		Data:        data,
		Removed:     r.Removed,
	}, nil
}

// parseUint accepts both hex ("0x1a") and decimal ("26") encodings.
func parseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" {
		return 0, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// dedupeSorted sorts logs in canonical order and drops duplicates on
// (blockNumber, txIndex, logIndex).
func dedupeSorted(logs []models.Log) []models.Log {
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

	out := logs[:0]
	for i := range logs {
		if i > 0 {
			prev := &out[len(out)-1]
			if prev.BlockNumber == logs[i].BlockNumber &&
				prev.TxIndex == logs[i].TxIndex &&
				prev.LogIndex == logs[i].LogIndex {
				continue
			}
		}
		out = append(out, logs[i])
	}
	return out
}
