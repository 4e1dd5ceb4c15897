// Package minting talks to the service that mints and sends book NFTs.
package minting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	Count int64
	Memo  string
}

type Result struct {
	TxHash string
	NFTIDs []string
}

type Minter interface {
	Mint(ctx context.Context, classID, wallet string, metadata map[string]string, opts Options) (*Result, error)
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type mintRequest struct {
	ClassID  string            `json:"classId"`
	Wallet   string            `json:"wallet"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Count    int64             `json:"count"`
	Memo     string            `json:"memo,omitempty"`
}

type mintResponse struct {
	TxHash string   `json:"txHash"`
	NFTIDs []string `json:"nftIds"`
}

// Mint is not idempotent on the minter side; callers must not retry it
// blindly.
func (c *Client) Mint(ctx context.Context, classID, wallet string, metadata map[string]string, opts Options) (*Result, error) {
	if opts.Count < 1 {
		opts.Count = 1
	}
	body, err := json.Marshal(mintRequest{
		ClassID:  classID,
		Wallet:   wallet,
		Metadata: metadata,
		Count:    opts.Count,
		Memo:     opts.Memo,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mint", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		if m := strings.TrimSpace(string(msg)); m != "" {
			return nil, fmt.Errorf("minter http status %d: %s", resp.StatusCode, m)
		}
		return nil, fmt.Errorf("minter http status %d", resp.StatusCode)
	}
	var out mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.TxHash == "" {
		return nil, fmt.Errorf("minter returned no tx hash")
	}
	if int64(len(out.NFTIDs)) != opts.Count {
		return nil, fmt.Errorf("minter returned %d nfts, want %d", len(out.NFTIDs), opts.Count)
	}
	return &Result{TxHash: out.TxHash, NFTIDs: out.NFTIDs}, nil
}
