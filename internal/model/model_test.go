package model

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func lineage(t0 time.Time, n int, ttl time.Duration) *RefreshToken {
	tok := &RefreshToken{ID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4())}
	for i := 0; i < n; i++ {
		created := t0.Add(time.Duration(i) * time.Minute)
		exp := created.Add(time.Minute) // rotated out by the next value
		if i == n-1 {
			exp = created.Add(ttl)
		}
		tok.Values = append(tok.Values, RefreshTokenValue{
			ID: uuid.Must(uuid.NewV4()), TokenID: tok.ID, CreatedAt: created, ExpiresAt: exp,
		})
	}
	return tok
}

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()
	require.Equal(t, "ada@example.com", NormalizeEmail("  Ada@Example.COM\t"))
	require.Equal(t, "", NormalizeEmail("   "))
}

func TestRefreshToken_ActiveAndHistory(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := lineage(t0, 4, time.Hour)
	now := t0.Add(3*time.Minute + time.Second)

	active, ok := tok.ActiveValue(now)
	require.True(t, ok)
	require.Equal(t, tok.Values[3].ID, active.ID)

	hist := tok.History(now)
	require.Len(t, hist, 3)
	require.Equal(t, tok.Values[0].ID, hist[0].ID, "oldest first")
	require.Equal(t, tok.Values[2].ID, hist[2].ID)

	// expiry is exclusive: a value expiring exactly at now is history
	_, ok = tok.ActiveValue(t0.Add(3*time.Minute + time.Hour))
	require.False(t, ok)
	require.Len(t, tok.History(t0.Add(3*time.Minute+time.Hour)), 4)
}

func TestRefreshToken_Dates(t *testing.T) {
	t.Parallel()

	empty := &RefreshToken{}
	require.True(t, empty.CreationDate().IsZero())
	require.True(t, empty.ExpirationDate().IsZero())

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := lineage(t0, 3, time.Hour)
	require.Equal(t, t0, tok.CreationDate())
	require.Equal(t, t0.Add(2*time.Minute+time.Hour), tok.ExpirationDate())

	info := tok.Info()
	require.Equal(t, tok.ID, info.ID)
	require.Equal(t, tok.CreationDate(), info.CreatedAt)
	require.Equal(t, tok.ExpirationDate(), info.ExpiresAt)
}
