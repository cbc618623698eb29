// Package nodeclient implements the Node Client Pool (C1): a pool of HTTP
// clients against one or more upstream Ergo-compatible full nodes, with
// health and latency tracking and request routing.
//
// Grounded on the teacher's core/storage.go (http.Client + context.Context
// per-call deadlines) and core/connection_pool.go (mutex-guarded pooled
// state with a background reaper goroutine).
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ergo-indexer/indexer/internal/chaintypes"
	"github.com/ergo-indexer/indexer/internal/scripting"
)

// Per-request timeout defaults, spec.md §4.1.
const (
	TimeoutInfo    = 5 * time.Second
	TimeoutBlock   = 15 * time.Second
	TimeoutMempool = 10 * time.Second
)

// Client is the contract a single upstream node exposes. One Client talks
// to exactly one URL; Pool fans out across many.
type Client interface {
	Info(ctx context.Context) (chaintypes.NodeInfo, error)
	HeaderIDsAt(ctx context.Context, height chaintypes.Height) ([]string, error)
	BlockByID(ctx context.Context, id string) (chaintypes.FullBlock, error)
	Mempool(ctx context.Context) ([]chaintypes.UnconfirmedTx, error)
	SubmitTx(ctx context.Context, raw []byte) (string, error)
	WalletRequest(ctx context.Context, method, path string, body []byte) (status int, respBody []byte, err error)
	URL() string
}

// HTTPClient is the default Client implementation, talking JSON-over-HTTP
// to a single Ergo node as described in spec.md §4.1.
type HTTPClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
	scripting  scripting.Scripting
}

// NewHTTPClient constructs a client bound to a single upstream URL. apiKey
// is forwarded as the node's API-key header on wallet/submit calls only,
// per spec.md §6 NODE_API_KEY.
func NewHTTPClient(url, apiKey string) *HTTPClient {
	return &HTTPClient{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		scripting:  scripting.New(),
	}
}

func (c *HTTPClient) URL() string { return c.url }

func (c *HTTPClient) do(ctx context.Context, timeout time.Duration, method, path string, body []byte, withKey bool) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if withKey && c.apiKey != "" {
		req.Header.Set("api_key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *HTTPClient) Info(ctx context.Context) (chaintypes.NodeInfo, error) {
	start := time.Now()
	resp, err := c.do(ctx, TimeoutInfo, http.MethodGet, "/info", nil, false)
	if err != nil {
		return chaintypes.NodeInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return chaintypes.NodeInfo{}, fmt.Errorf("%w: status %d", ErrUpstream5xx, resp.StatusCode)
	}
	var raw struct {
		AppVersion    string `json:"appVersion"`
		StateType     string `json:"stateType"`
		HeadersHeight uint64 `json:"headersHeight"`
		FullHeight    uint64 `json:"fullHeight"`
		PeersCount    int    `json:"peersCount"`
		Difficulty    uint64 `json:"difficulty"`
		IsMining      bool   `json:"isMining"`
		UnconfirmedCount int `json:"unconfirmedCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return chaintypes.NodeInfo{}, fmt.Errorf("decode info: %w", err)
	}
	return chaintypes.NodeInfo{
		AppVersion:    raw.AppVersion,
		StateType:     raw.StateType,
		HeadersHeight: raw.HeadersHeight,
		FullHeight:    raw.FullHeight,
		PeerCount:     raw.PeersCount,
		Difficulty:    raw.Difficulty,
		IsMining:      raw.IsMining,
		MempoolSize:   raw.UnconfirmedCount,
		Latency:       time.Since(start),
	}, nil
}

func (c *HTTPClient) HeaderIDsAt(ctx context.Context, height chaintypes.Height) ([]string, error) {
	resp, err := c.do(ctx, TimeoutInfo, http.MethodGet, fmt.Sprintf("/blocks/at/%d", height), nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream5xx, resp.StatusCode)
	}
	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decode header ids: %w", err)
	}
	return ids, nil
}

func (c *HTTPClient) BlockByID(ctx context.Context, id string) (chaintypes.FullBlock, error) {
	resp, err := c.do(ctx, TimeoutBlock, http.MethodGet, "/blocks/"+id, nil, false)
	if err != nil {
		return chaintypes.FullBlock{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return chaintypes.FullBlock{}, ErrNotFound
	}
	if resp.StatusCode >= 500 {
		return chaintypes.FullBlock{}, fmt.Errorf("%w: status %d", ErrUpstream5xx, resp.StatusCode)
	}
	var blk chaintypes.FullBlock
	if err := json.NewDecoder(resp.Body).Decode(&blk); err != nil {
		return chaintypes.FullBlock{}, fmt.Errorf("decode block: %w", err)
	}
	if err := c.deriveBoxAddresses(&blk); err != nil {
		return chaintypes.FullBlock{}, fmt.Errorf("derive box addresses: %w", err)
	}
	return blk, nil
}

// deriveBoxAddresses fills in Box.Address from Box.ErgoTree for any output
// the node didn't already label with an address, via the Scripting stub
// (spec.md §3's ergo_tree -> address supplemented feature).
func (c *HTTPClient) deriveBoxAddresses(blk *chaintypes.FullBlock) error {
	for ti := range blk.Transactions {
		outputs := blk.Transactions[ti].Outputs
		for bi := range outputs {
			if outputs[bi].Address != "" {
				continue
			}
			addr, err := c.scripting.DeriveAddress(outputs[bi].ErgoTree)
			if err != nil {
				return err
			}
			outputs[bi].Address = addr
		}
	}
	return nil
}

func (c *HTTPClient) Mempool(ctx context.Context) ([]chaintypes.UnconfirmedTx, error) {
	resp, err := c.do(ctx, TimeoutMempool, http.MethodGet, "/transactions/unconfirmed", nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream5xx, resp.StatusCode)
	}
	var txs []chaintypes.UnconfirmedTx
	if err := json.NewDecoder(resp.Body).Decode(&txs); err != nil {
		return nil, fmt.Errorf("decode mempool: %w", err)
	}
	return txs, nil
}

func (c *HTTPClient) SubmitTx(ctx context.Context, raw []byte) (string, error) {
	resp, err := c.do(ctx, TimeoutBlock, http.MethodPost, "/transactions", raw, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		ID string `json:"id"`
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: status %d", ErrUpstreamRejected, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	return out.ID, nil
}

func (c *HTTPClient) WalletRequest(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	resp, err := c.do(ctx, TimeoutBlock, method, path, body, true)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return 0, nil, fmt.Errorf("read wallet response: %w", err)
	}
	return resp.StatusCode, buf.Bytes(), nil
}
