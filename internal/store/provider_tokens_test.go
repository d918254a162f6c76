// ABOUTME: Tests for sealed provider token storage
// ABOUTME: Verifies round trips, upsert semantics and that sealed values are bound to their key

package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	sealer, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return sealer
}

func TestNewSealer_KeyLength(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}

func TestSealer_AADBinding(t *testing.T) {
	sealer := testSealer(t)
	sealed, err := sealer.Seal("token", sealAAD("t1", "u1", "strava"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "token")

	plain, err := sealer.Open(sealed, sealAAD("t1", "u1", "strava"))
	require.NoError(t, err)
	assert.Equal(t, "token", plain)

	_, err = sealer.Open(sealed, sealAAD("t2", "u1", "strava"))
	assert.ErrorIs(t, err, ErrUnseal)

	_, err = sealer.Open([]byte{1, 2}, sealAAD("t1", "u1", "strava"))
	assert.ErrorIs(t, err, ErrUnseal)
}

func TestProviderTokens_RoundTrip(t *testing.T) {
	s := newTestStore(t, WithSealer(testSealer(t)))
	ctx := context.Background()
	tenant, user := seedTenant(t, s, "acme")

	expires := time.Now().Add(time.Hour).UTC()
	tok := &ProviderToken{
		TenantID:     tenant.ID,
		UserID:       user.ID,
		Provider:     "strava",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Scope:        "activity:read",
		ExpiresAt:    &expires,
	}
	require.NoError(t, s.UpsertProviderToken(ctx, tok))

	got, err := s.GetProviderToken(ctx, tenant.ID, user.ID, "strava")
	require.NoError(t, err)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, "refresh-1", got.RefreshToken)
	assert.Equal(t, "activity:read", got.Scope)

	// Upsert replaces in place.
	tok.AccessToken = "access-2"
	tok.RefreshToken = ""
	tok.UpdatedAt = time.Time{}
	require.NoError(t, s.UpsertProviderToken(ctx, tok))
	got, err = s.GetProviderToken(ctx, tenant.ID, user.ID, "strava")
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Empty(t, got.RefreshToken)

	require.NoError(t, s.UpsertProviderToken(ctx, &ProviderToken{
		TenantID: tenant.ID, UserID: user.ID, Provider: "garmin", AccessToken: "g",
	}))
	list, err := s.ListProviderTokens(ctx, tenant.ID, user.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "garmin", list[0].Provider)

	require.NoError(t, s.DeleteProviderToken(ctx, tenant.ID, user.ID, "garmin"))
	_, err = s.GetProviderToken(ctx, tenant.ID, user.ID, "garmin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProviderTokens_RequireSealer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant, user := seedTenant(t, s, "acme")

	err := s.UpsertProviderToken(ctx, &ProviderToken{TenantID: tenant.ID, UserID: user.ID, Provider: "p", AccessToken: "x"})
	assert.ErrorIs(t, err, ErrSealerUnavailable)
	_, err = s.GetProviderToken(ctx, tenant.ID, user.ID, "p")
	assert.ErrorIs(t, err, ErrSealerUnavailable)
	err = s.UpsertProviderToken(ctx, &ProviderToken{UserID: user.ID, Provider: "p", AccessToken: "x"})
	assert.ErrorIs(t, err, ErrTenantRequired)
}
