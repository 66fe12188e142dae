package remote_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/calsync/internal/remote"
	"github.com/roach88/calsync/internal/remote/memory"
)

func TestOffline_AlwaysUnavailable(t *testing.T) {
	ctx := context.Background()
	var r remote.Remote = remote.Offline{}

	assert.ErrorIs(t, r.Upsert(ctx, "u1", "meal", remote.Record{ID: "m1"}), remote.ErrUnavailable)
	assert.ErrorIs(t, r.Delete(ctx, "u1", "meal", "m1", 1), remote.ErrUnavailable)
	_, err := r.Pull(ctx, "u1", "meal", "", 0)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestGate_TogglesPerDevice(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	deviceA := remote.NewGate(shared)
	deviceB := remote.NewGate(shared)

	deviceB.SetOnline(false)
	assert.False(t, deviceB.Online())
	assert.ErrorIs(t, deviceB.Upsert(ctx, "u1", "weight", remote.Record{ID: "w1", UpdatedAt: 1}), remote.ErrUnavailable)
	assert.Equal(t, 0, shared.Calls(), "a closed gate never reaches the remote")

	require.NoError(t, deviceA.Upsert(ctx, "u1", "weight", remote.Record{ID: "w1", UpdatedAt: 1}))

	deviceB.SetOnline(true)
	page, err := deviceB.Pull(ctx, "u1", "weight", "", 0)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)

	require.NoError(t, deviceB.Delete(ctx, "u1", "weight", "w1", 2))
	got, ok := shared.Get("u1", "weight", "w1")
	require.True(t, ok)
	assert.True(t, got.Deleted)
}

func TestIsUnavailable(t *testing.T) {
	assert.True(t, remote.IsUnavailable(remote.ErrUnavailable))
	assert.True(t, remote.IsUnavailable(fmt.Errorf("upsert: %w", remote.ErrUnavailable)))
	assert.True(t, remote.IsUnavailable(context.DeadlineExceeded))
	assert.False(t, remote.IsUnavailable(errors.New("status 500")))
	assert.False(t, remote.IsUnavailable(nil))
}
