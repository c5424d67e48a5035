package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/config"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/store"
)

const auditKey = "foundlab:nexus:audit_log"

func sampleEntries() []audit.Entry {
	base := time.Date(2026, 5, 4, 12, 30, 0, 987654321, time.UTC)
	log := audit.NewLog(audit.DefaultCapacity)
	log.Prepend(audit.NewEntry(base, audit.DecisionAuthorize, 640, 652, "Manual decision: authorize."))
	log.Prepend(audit.NewEntry(base.Add(time.Minute), audit.DecisionBlock, 652, 645,
		"Manual decision: block. Impact analysed with 3 contributing flag(s)."))
	return log.Entries()
}

func assertSameEntries(t *testing.T, want, got []audit.Entry) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Decision, got[i].Decision)
		assert.Equal(t, want[i].ScoreBefore, got[i].ScoreBefore)
		assert.Equal(t, want[i].ScoreAfter, got[i].ScoreAfter)
		assert.Equal(t, want[i].Details, got[i].Details)
		assert.Equal(t, want[i].Timestamp.UnixMilli(), got[i].Timestamp.UnixMilli())
	}
}

func TestAuditRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository(store.NewMemory(), auditKey)

	entries, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	want := sampleEntries()
	require.NoError(t, repo.Save(ctx, want))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assertSameEntries(t, want, got)
	assert.Equal(t, audit.DecisionBlock, got[0].Decision, "most recent first")

	require.NoError(t, repo.Clear(ctx))
	got, err = repo.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAuditRepository_PersistedLayout(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	repo := NewAuditRepository(kv, auditKey)
	require.NoError(t, repo.Save(ctx, sampleEntries()))

	raw, err := kv.Get(ctx, auditKey)
	require.NoError(t, err)

	var doc []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc, 2)
	for _, key := range []string{"id", "timestamp", "decision", "scoreBefore", "scoreAfter", "details"} {
		assert.Contains(t, doc[0], key)
	}
	assert.Equal(t, "2026-05-04T12:31:00.987Z", doc[0]["timestamp"])
	assert.Equal(t, "block", doc[0]["decision"])
}

func TestAuditRepository_Redis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	kv, err := store.NewRedis(&config.RedisConfig{URL: mr.Addr(), DialTimeout: time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer kv.Close()

	repo := NewAuditRepository(kv, auditKey)
	want := sampleEntries()
	require.NoError(t, repo.Save(ctx, want))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assertSameEntries(t, want, got)
	assert.True(t, mr.Exists(auditKey))
}

func TestAuditRepository_CorruptDocument(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, auditKey, []byte("{not json")))

	_, err := NewAuditRepository(kv, auditKey).Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal audit log: ")
	var syntaxErr *json.SyntaxError
	assert.ErrorAs(t, err, &syntaxErr)
}

type failingKV struct{ store.KV }

func (failingKV) Set(context.Context, string, []byte) error { return fmt.Errorf("disk full") }

func TestAuditRepository_WriteFailure(t *testing.T) {
	repo := NewAuditRepository(failingKV{store.NewMemory()}, auditKey)
	err := repo.Save(context.Background(), sampleEntries())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
