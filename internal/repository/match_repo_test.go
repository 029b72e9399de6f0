package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinkdate/matchmaker/internal/db"
	"github.com/blinkdate/matchmaker/internal/repository"
)

func TestAddRevealAppendsOnce(t *testing.T) {
	ctx := context.Background()
	gdb := setupTestDB(t)
	repo := repository.NewMatchRepository(gdb)

	match := &db.Match{ID: "m-1", User1ID: 1, User2ID: 2, Status: db.MatchPending, Tier: "exact"}
	require.NoError(t, repo.Create(ctx, match))

	inserted, err := repo.AddReveal(ctx, "m-1", 1)
	require.NoError(t, err)
	assert.True(t, inserted)

	// The duplicate conflicts on the composite key and is dropped.
	inserted, err = repo.AddReveal(ctx, "m-1", 1)
	require.NoError(t, err)
	assert.False(t, inserted)

	count, err := repo.CountReveals(ctx, "m-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	_, err = repo.AddReveal(ctx, "m-1", 2)
	require.NoError(t, err)
	count, err = repo.CountReveals(ctx, "m-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestAddRevealConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	gdb := setupTestDB(t)
	repo := repository.NewMatchRepository(gdb)

	match := &db.Match{ID: "m-c", User1ID: 1, User2ID: 2, Status: db.MatchPending, Tier: "exact"}
	require.NoError(t, repo.Create(ctx, match))

	inserted, err := repo.AddReveal(ctx, "m-c", 1)
	require.NoError(t, err)
	require.True(t, inserted)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.AddReveal(ctx, "m-c", 1)
		}()
	}
	wg.Wait()

	count, err := repo.CountReveals(ctx, "m-c")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestEndReturnsWinnerExactlyOnce(t *testing.T) {
	ctx := context.Background()
	gdb := setupTestDB(t)
	repo := repository.NewMatchRepository(gdb)

	match := &db.Match{ID: "m-2", User1ID: 1, User2ID: 2, Status: db.MatchMatched, Tier: "exact"}
	require.NoError(t, repo.Create(ctx, match))

	won, err := repo.End(ctx, "m-2")
	require.NoError(t, err)
	assert.True(t, won)

	// Second caller lost the race; no double outcome processing.
	won, err = repo.End(ctx, "m-2")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestGetActiveForUser(t *testing.T) {
	ctx := context.Background()
	gdb := setupTestDB(t)
	repo := repository.NewMatchRepository(gdb)

	require.NoError(t, repo.Create(ctx, &db.Match{
		ID: "m-old", User1ID: 1, User2ID: 2, Status: db.MatchEnded, Tier: "exact",
	}))
	require.NoError(t, repo.Create(ctx, &db.Match{
		ID: "m-live", User1ID: 2, User2ID: 3, Status: db.MatchPending, Tier: "exact",
	}))

	m, err := repo.GetActiveForUser(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "m-live", m.ID)

	m, err = repo.GetActiveForUser(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, m)

	active, err := repo.HasActiveForUser(ctx, 3)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestListVoteExpired(t *testing.T) {
	ctx := context.Background()
	gdb := setupTestDB(t)
	repo := repository.NewMatchRepository(gdb)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Minute)
	require.NoError(t, repo.Create(ctx, &db.Match{
		ID: "m-exp", User1ID: 1, User2ID: 2, Status: db.MatchMatched, Tier: "exact",
		VoteWindowExpiresAt: &past,
	}))
	require.NoError(t, repo.Create(ctx, &db.Match{
		ID: "m-open", User1ID: 3, User2ID: 4, Status: db.MatchMatched, Tier: "exact",
		VoteWindowExpiresAt: &future,
	}))

	expired, err := repo.ListVoteExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "m-exp", expired[0].ID)
}
