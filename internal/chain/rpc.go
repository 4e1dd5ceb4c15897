package chain

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrTxNotFound = errors.New("tx not found")

type RPCClient struct {
	baseURL string
	client  *http.Client
}

func NewRPCClient(baseURL string) *RPCClient {
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RPCClient) LatestHeight(ctx context.Context) (int64, error) {
	var resp statusResponse
	if err := c.getJSON(ctx, c.baseURL+"/status", &resp); err != nil {
		return 0, err
	}
	return parseInt64(resp.Result.SyncInfo.LatestBlockHeight)
}

// TxByHash looks up a committed transaction by its hex hash.
func (c *RPCClient) TxByHash(ctx context.Context, hash string) (*Tx, error) {
	hash = strings.TrimPrefix(strings.TrimSpace(hash), "0x")
	if _, err := hex.DecodeString(hash); err != nil || hash == "" {
		return nil, fmt.Errorf("invalid tx hash %q", hash)
	}
	values := url.Values{}
	values.Set("hash", "0x"+strings.ToUpper(hash))
	values.Set("prove", "false")

	var resp txResponse
	if err := c.getJSON(ctx, c.baseURL+"/tx?"+values.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		if strings.Contains(resp.Error.Data, "not found") {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Data)
	}
	height, err := parseInt64(resp.Result.Height)
	if err != nil {
		return nil, err
	}
	return &Tx{
		Hash:   resp.Result.Hash,
		Height: height,
		Code:   resp.Result.TxResult.Code,
		Log:    resp.Result.TxResult.Log,
		Events: decodeEvents(resp.Result.TxResult.Events),
	}, nil
}

func (c *RPCClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// CometBFT answers unknown hashes with a 500 and a JSON-RPC error body.
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, out) == nil && hasRPCError(out) {
			return nil
		}
		return httpError(resp.StatusCode, body)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return httpError(resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func hasRPCError(out any) bool {
	r, ok := out.(*txResponse)
	return ok && r.Error != nil
}

func httpError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg != "" {
		return fmt.Errorf("rpc http status %d: %s", status, msg)
	}
	return fmt.Errorf("rpc http status %d", status)
}

func parseInt64(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("empty int string")
	}
	return strconv.ParseInt(v, 10, 64)
}

func decodeEvents(events []rpcEvent) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		e := Event{Type: ev.Type}
		for _, attr := range ev.Attributes {
			e.Attributes = append(e.Attributes, Attribute{
				Key:   decodeMaybeBase64(attr.Key),
				Value: decodeMaybeBase64(attr.Value),
			})
		}
		out = append(out, e)
	}
	return out
}

// Older nodes base64 encode event attributes.
func decodeMaybeBase64(v string) string {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return v
	}
	if isMostlyPrintable(b) {
		return string(b)
	}
	return v
}

func isMostlyPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printable := 0
	for _, c := range b {
		if c >= 32 && c <= 126 {
			printable++
		}
	}
	return printable*100/len(b) >= 80
}

type statusResponse struct {
	Result struct {
		SyncInfo struct {
			LatestBlockHeight string `json:"latest_block_height"`
		} `json:"sync_info"`
	} `json:"result"`
}

type txResponse struct {
	Result struct {
		Hash     string      `json:"hash"`
		Height   string      `json:"height"`
		TxResult rpcTxResult `json:"tx_result"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

type rpcTxResult struct {
	Code   int        `json:"code"`
	Log    string     `json:"log"`
	Events []rpcEvent `json:"events"`
}

type rpcEvent struct {
	Type       string         `json:"type"`
	Attributes []rpcAttribute `json:"attributes"`
}

type rpcAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Tx struct {
	Hash   string
	Height int64
	Code   int
	Log    string
	Events []Event
}

type Event struct {
	Type       string
	Attributes []Attribute
}

type Attribute struct {
	Key   string
	Value string
}
