package tier

import (
	"context"
	"sync"

	"github.com/gftdcojp/hetfs-tiering/internal/types"
)

// mockMover records every request it receives.
type mockMover struct {
	mu   sync.Mutex
	reqs []types.RelocationRequest
	err  error
}

func (m *mockMover) Relocate(_ context.Context, req types.RelocationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	return m.err
}

func (m *mockMover) received() []types.RelocationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RelocationRequest, len(m.reqs))
	copy(out, m.reqs)
	return out
}
