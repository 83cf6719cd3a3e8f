package daemonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/amount"
)

const (
	// DefaultAnonymity is the mixin count used for outgoing transfers.
	DefaultAnonymity = 2
	// DefaultFee is the network fee in micro-units attached to outgoing transfers.
	DefaultFee = 10000
)

var (
	// ErrUnavailable wraps transport failures reaching the daemon.
	ErrUnavailable = errors.New("daemonrpc: daemon unavailable")
	// ErrFault marks explicit daemon errors and malformed responses.
	ErrFault = errors.New("daemonrpc: daemon fault")
)

// FaultError carries the daemon's error envelope.
type FaultError struct {
	Method  string
	Code    int
	Message string
}

func (e *FaultError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("daemonrpc: %s failed: %d %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("daemonrpc: %s failed: %s", e.Method, e.Message)
}

func (e *FaultError) Unwrap() error { return ErrFault }

// Config captures the daemon connection settings.
type Config struct {
	URL               string
	Username          string
	Password          string
	Timeout           time.Duration
	RequestsPerMinute float64
	Anonymity         int
	Fee               int64
	// IncludeAllTransfers surfaces every transfer of a block entry instead of
	// only the first one.
	IncludeAllTransfers bool
	Transport           http.RoundTripper
}

// Client is a JSON-RPC 2.0 client for the coin daemon wallet interface.
type Client struct {
	url          string
	username     string
	password     string
	anonymity    int
	fee          int64
	allTransfers bool
	limiter      *rate.Limiter
	httpClient   *http.Client
}

// NewClient constructs a client for the configured daemon endpoint.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("daemonrpc: url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	anonymity := cfg.Anonymity
	if anonymity <= 0 {
		anonymity = DefaultAnonymity
	}
	fee := cfg.Fee
	if fee <= 0 {
		fee = DefaultFee
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), 1)
	}
	return &Client{
		url:          endpoint,
		username:     cfg.Username,
		password:     cfg.Password,
		anonymity:    anonymity,
		fee:          fee,
		allTransfers: cfg.IncludeAllTransfers,
		limiter:      limiter,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		},
	}, nil
}

// Transaction is a single transfer observed on chain.
type Transaction struct {
	BlockIndex  uint64
	Hash        string
	AmountMicro int64
}

// Amount returns the transfer amount in coin units.
func (t Transaction) Amount() decimal.Decimal {
	return amount.FromMicro(t.AmountMicro)
}

// Status returns the daemon's current block count.
func (c *Client) Status(ctx context.Context) (uint64, error) {
	var result struct {
		BlockCount *uint64 `json:"blockCount"`
	}
	if err := c.call(ctx, "getStatus", struct{}{}, &result); err != nil {
		return 0, err
	}
	if result.BlockCount == nil {
		return 0, &FaultError{Method: "getStatus", Message: "blockCount missing"}
	}
	return *result.BlockCount, nil
}

// Balance returns the available balance of address in coin units. The result
// is invalid (unknown) when the daemon omits the balance field.
func (c *Client) Balance(ctx context.Context, address string) (decimal.NullDecimal, error) {
	params := map[string]interface{}{"address": strings.TrimSpace(address)}
	var result struct {
		AvailableBalance *int64 `json:"availableBalance"`
	}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return decimal.NullDecimal{}, err
	}
	if result.AvailableBalance == nil {
		return decimal.NullDecimal{}, nil
	}
	return decimal.NewNullDecimal(amount.FromMicro(*result.AvailableBalance)), nil
}

type transactionItem struct {
	BlockHash    string `json:"blockHash"`
	Transactions []struct {
		TransactionHash string `json:"transactionHash"`
		BlockIndex      uint64 `json:"blockIndex"`
		Amount          int64  `json:"amount"`
	} `json:"transactions"`
}

// ListTransactions retrieves transfers in [firstBlockIndex, firstBlockIndex+blockCount).
// Unless IncludeAllTransfers is configured, only the first transfer of each
// block entry is returned.
func (c *Client) ListTransactions(ctx context.Context, firstBlockIndex, blockCount uint64) ([]Transaction, error) {
	params := map[string]interface{}{
		"firstBlockIndex": firstBlockIndex,
		"blockCount":      blockCount,
	}
	var result struct {
		Items *[]transactionItem `json:"items"`
	}
	if err := c.call(ctx, "getTransactions", params, &result); err != nil {
		return nil, err
	}
	if result.Items == nil {
		return nil, &FaultError{Method: "getTransactions", Message: "items missing"}
	}
	var out []Transaction
	for _, item := range *result.Items {
		for i, tx := range item.Transactions {
			if i > 0 && !c.allTransfers {
				break
			}
			out = append(out, Transaction{
				BlockIndex:  tx.BlockIndex,
				Hash:        strings.TrimSpace(tx.TransactionHash),
				AmountMicro: tx.Amount,
			})
		}
	}
	return out, nil
}

// SendTransaction transfers amountMicro from one wallet address to another and
// returns the transaction hash.
func (c *Client) SendTransaction(ctx context.Context, from, to string, amountMicro int64) (string, error) {
	if amountMicro <= 0 {
		return "", fmt.Errorf("daemonrpc: transfer amount must be positive")
	}
	params := map[string]interface{}{
		"addresses": []string{strings.TrimSpace(from)},
		"anonymity": c.anonymity,
		"fee":       c.fee,
		"transfers": []map[string]interface{}{
			{"amount": amountMicro, "address": strings.TrimSpace(to)},
		},
	}
	var result struct {
		TransactionHash string `json:"transactionHash"`
	}
	if err := c.call(ctx, "sendTransaction", params, &result); err != nil {
		return "", err
	}
	hash := strings.TrimSpace(result.TransactionHash)
	if hash == "" {
		return "", &FaultError{Method: "sendTransaction", Message: "transactionHash missing"}
	}
	return hash, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("daemonrpc: client not configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
		}
	}
	buf, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, method, err)
	}
	var rpcResp rpcResponse
	decodeErr := json.Unmarshal(body, &rpcResp)
	if decodeErr == nil && rpcResp.Error != nil {
		return &FaultError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: unexpected status %d", ErrUnavailable, method, resp.StatusCode)
	}
	if decodeErr != nil {
		return &FaultError{Method: method, Message: fmt.Sprintf("decode response: %v", decodeErr)}
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return &FaultError{Method: method, Message: "empty result"}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return &FaultError{Method: method, Message: fmt.Sprintf("decode result: %v", err)}
	}
	return nil
}
