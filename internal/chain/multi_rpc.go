package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
)

type MultiRPCClient struct {
	clients       []*RPCClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiRPCClient(endpoints []string, failThreshold int) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*RPCClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewRPCClient(ep))
	}
	return &MultiRPCClient{
		clients:       clients,
		index:         0,
		failCount:     0,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func (m *MultiRPCClient) LatestHeight(ctx context.Context) (int64, error) {
	return withFailover(m, func(c *RPCClient) (int64, error) {
		return c.LatestHeight(ctx)
	})
}

func (m *MultiRPCClient) TxByHash(ctx context.Context, hash string) (*Tx, error) {
	return withFailover(m, func(c *RPCClient) (*Tx, error) {
		return c.TxByHash(ctx, hash)
	})
}

// withFailover tries each endpoint at most once. ErrTxNotFound comes from
// a node that answered, so it is returned without counting a failure.
func withFailover[T any](m *MultiRPCClient, call func(*RPCClient) (T, error)) (T, error) {
	m.mu.Lock()
	start := m.index
	m.mu.Unlock()

	var zero T
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		out, err := call(client)
		if err == nil || errors.Is(err, ErrTxNotFound) {
			m.resetFailures(idx)
			return out, err
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
		if idx == start && attempts > 0 {
			break
		}
	}
	return zero, lastErr
}

func (m *MultiRPCClient) currentClient() (*RPCClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiRPCClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPCClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiRPCClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiRPCClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
