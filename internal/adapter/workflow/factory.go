package workflow

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// EnvMode selects the dispatcher implementation.
	EnvMode = "BOTCHAT_MODE"
	// ModeMock swaps the workflow engine for an in-memory recorder.
	ModeMock = "MOCK"
)

// NewDispatcher returns a MockClient when BOTCHAT_MODE=MOCK and a real
// Client otherwise.
func NewDispatcher(url string, timeout time.Duration, logger *zap.Logger) Dispatcher {
	if os.Getenv(EnvMode) == ModeMock {
		if logger != nil {
			logger.Info("BOTCHAT_MODE=MOCK detected, using mock workflow dispatcher")
		}
		return NewMockClient()
	}
	return NewClient(url, timeout)
}

// MockClient records dispatched requests. Err, when set, fails every call.
type MockClient struct {
	mu       sync.Mutex
	requests []Request
	Err      error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Dispatch(ctx context.Context, req *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.requests = append(m.requests, *req)
	return nil
}

// Requests returns a copy of what was dispatched so far.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

var _ Dispatcher = (*MockClient)(nil)
