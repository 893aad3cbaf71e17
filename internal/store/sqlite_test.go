// ABOUTME: SQLite-specific tests for schema creation and timestamp encoding
// ABOUTME: Behavior shared with other drivers lives in store_test.go

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "handoff.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "c1", TenantID: "t1"}))
	_, err = s.AssignIfUnassigned(ctx, "c1", "agentA")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "agentA", got.AssignedAgent)
}

func TestSQLiteStore_TimestampsSortChronologically(t *testing.T) {
	// Fractional seconds must not break text ordering
	a := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	b := a.Add(100 * time.Millisecond)
	assert.Less(t, formatTime(a), formatTime(b))

	parsed, err := time.Parse(timeLayout, formatTime(b))
	require.NoError(t, err)
	assert.True(t, b.Equal(parsed))
}

func TestSQLiteStore_RejectsUnknownStatus(t *testing.T) {
	s := setupTestStore(t)
	err := s.CreateConversation(context.Background(), &Conversation{ID: "c1", TenantID: "t", Status: "weird"})
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 100, clampLimit(0))
	assert.Equal(t, 100, clampLimit(-3))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, 1000, clampLimit(5000))
}
