package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAppendAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, EventTelemetrySent, map[string]any{"reason": "first_send"}))
	require.NoError(t, j.Append(ctx, EventSessionTransition, map[string]string{"to": "lost"}))
	require.NoError(t, j.Append(ctx, EventTelemetrySent, nil))

	all, err := j.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	require.Equal(t, EventTelemetrySent, all[0].Type)
	require.Equal(t, EventSessionTransition, all[1].Type)

	sent, err := j.Recent(ctx, EventTelemetrySent, 10)
	require.NoError(t, err)
	require.Len(t, sent, 2)

	var payload struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(sent[1].Payload, &payload))
	require.Equal(t, "first_send", payload.Reason)
}

func TestRecentLimit(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(ctx, EventSoftWarning, nil))
	}

	got, err := j.Recent(ctx, EventSoftWarning, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Non-positive limits fall back to the default instead of returning nothing.
	got, err = j.Recent(ctx, EventSoftWarning, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
}

func TestRange(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Minute)
	require.NoError(t, j.Append(ctx, EventGuardTeardown, nil))
	after := time.Now().Add(time.Minute)

	in, err := j.Range(ctx, before, after)
	require.NoError(t, err)
	require.Len(t, in, 1)
	require.Equal(t, EventGuardTeardown, in[0].Type)
	require.WithinDuration(t, time.Now(), in[0].Timestamp, time.Minute)

	out, err := j.Range(ctx, after, after.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, out)
}
