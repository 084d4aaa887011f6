package server

import (
	"context"
	"testing"
	"time"

	"github.com/PleXone2019/nzbcore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeasedCountNeverExceedsBudget(t *testing.T) {
	p := New([]*domain.NewsServer{{ID: "s1", Host: "example.invalid", Port: 119, MaxConnections: 2, Level: 0}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	l1, err := p.GetConnection(ctx, 0, "", nil)
	require.NoError(t, err)
	l2, err := p.GetConnection(ctx, 0, "", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, p.LeasedCount("s1"))

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	_, err = p.GetConnection(shortCtx, 0, "", nil)
	assert.Error(t, err, "pool must not exceed a server's connection budget")

	p.FreeConnection(l1, false)
	p.FreeConnection(l2, false)
	assert.Equal(t, 0, p.LeasedCount("s1"))
}

func TestAllBurnedAtLevelAdvancesNotRetries(t *testing.T) {
	p := New([]*domain.NewsServer{
		{ID: "s1", Host: "h1", Port: 119, MaxConnections: 1, Level: 0},
		{ID: "s2", Host: "h2", Port: 119, MaxConnections: 1, Level: 1},
	})

	assert.False(t, p.AllBurnedAtLevel(0, nil))
	assert.True(t, p.AllBurnedAtLevel(0, map[string]bool{"s1": true}))
	assert.Equal(t, 1, p.MaxLevel())
}

func TestGroupBurnsAllMembersTogether(t *testing.T) {
	p := New([]*domain.NewsServer{
		{ID: "a", Host: "ha", Port: 119, MaxConnections: 1, Level: 0, Group: "g"},
		{ID: "b", Host: "hb", Port: 119, MaxConnections: 1, Level: 0, Group: "g"},
	})
	assert.True(t, p.AllBurnedAtLevel(0, map[string]bool{"a": true}))
}

func TestWantServerRestrictsCandidates(t *testing.T) {
	p := New([]*domain.NewsServer{
		{ID: "s1", Host: "h1", Port: 119, MaxConnections: 1, Level: 0},
		{ID: "s2", Host: "h2", Port: 119, MaxConnections: 1, Level: 0},
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := p.GetConnection(ctx, 0, "s2", nil)
	require.NoError(t, err)
	assert.Equal(t, "s2", lease.Server.ID)
}
