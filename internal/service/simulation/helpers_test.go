package simulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// testConfig keeps the periodic tasks out of the way unless a test shortens
// them, and plays scripted scenarios a hundred times faster.
func testConfig() Config {
	return Config{
		DriftInterval:      time.Hour,
		FlagInterval:       time.Hour,
		DecisionLatency:    10 * time.Millisecond,
		ScenarioSetupDelay: 0,
		ExplanationTimeout: time.Second,
		SubscriberBuffer:   256,
		TimeScale:          0.01,
	}
}

func newTestEngine(t *testing.T, cfg Config, deps Dependencies) *Engine {
	t.Helper()
	if deps.Random == nil {
		deps.Random = NewRandom(42)
	}
	e := New(context.Background(), cfg, deps, zaptest.NewLogger(t))
	t.Cleanup(func() { e.Close() })
	return e
}

// onLoop runs fn on the engine loop.
func onLoop(t *testing.T, e *Engine, fn func()) {
	t.Helper()
	require.NoError(t, e.do(context.Background(), fn))
}

func mustTemplate(t *testing.T, e *Engine, name string) flag.Template {
	t.Helper()
	tpl, err := e.catalog.Lookup(name)
	require.NoError(t, err)
	return tpl
}

func intPtr(v int) *int { return &v }

// fixedRandom always draws the same end of the range.
type fixedRandom struct {
	max bool
}

func (r fixedRandom) IntN(n int) int {
	if r.max {
		return n - 1
	}
	return 0
}

func (r fixedRandom) Float64() float64 {
	if r.max {
		return 0.999
	}
	return 0
}

// memoryRepository is an in-memory AuditRepository.
type memoryRepository struct {
	mu      sync.Mutex
	entries []audit.Entry
	saves   int
}

func (r *memoryRepository) Load(context.Context) ([]audit.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...), nil
}

func (r *memoryRepository) Save(_ context.Context, entries []audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append([]audit.Entry(nil), entries...)
	r.saves++
	return nil
}

func (r *memoryRepository) Clear(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	return nil
}

func (r *memoryRepository) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

// mockRepository is a testify mock of AuditRepository.
type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) Load(ctx context.Context) ([]audit.Entry, error) {
	args := m.Called(ctx)
	entries, _ := args.Get(0).([]audit.Entry)
	return entries, args.Error(1)
}

func (m *mockRepository) Save(ctx context.Context, entries []audit.Entry) error {
	return m.Called(ctx, entries).Error(0)
}

func (m *mockRepository) Clear(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func flagNames(flags []flag.Flag) []string {
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = f.Name
	}
	return names
}
