//go:build integration

package management

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/router"
	"hookrelay/internal/testinfra"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/models"
)

func testDefinition(id string, priority int) *router.Definition {
	return &router.Definition{
		ID:        id,
		Name:      "Route " + id,
		Priority:  priority,
		Enabled:   true,
		HandlerID: "audit-log",
		Filter: router.Filter{
			EntityTypes: []string{"Ticket"},
			Actions:     []models.Action{models.ActionUpdate},
			Conditions: []router.Condition{
				{Field: "data.status", Operator: router.OpEquals, Value: "open"},
			},
		},
	}
}

func TestPostgresRepository(t *testing.T) {
	db := testinfra.Postgres(t)
	repo := NewRepository(db)
	ctx := context.Background()

	low := testDefinition("low", 1)
	high := testDefinition("high", 9)
	require.NoError(t, repo.CreateRoute(ctx, low))
	require.NoError(t, repo.CreateRoute(ctx, high))
	assert.Equal(t, 1, low.Version)
	assert.False(t, low.CreatedAt.IsZero())

	err := repo.CreateRoute(ctx, testDefinition("low", 1))
	assert.True(t, errors.IsConflict(err))

	got, err := repo.GetRoute(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, "audit-log", got.HandlerID)
	require.Len(t, got.Filter.Conditions, 1)
	assert.Equal(t, "open", got.Filter.Conditions[0].Value)

	list, err := repo.ListRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "high", list[0].ID)

	low.Priority = 20
	low.Version = 2
	require.NoError(t, repo.UpdateRoute(ctx, low))
	got, err = repo.GetRoute(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, 20, got.Priority)
	assert.Equal(t, 2, got.Version)

	require.NoError(t, repo.DeleteRoute(ctx, "low"))
	_, err = repo.GetRoute(ctx, "low")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(repo.DeleteRoute(ctx, "low")))
	assert.True(t, errors.IsNotFound(repo.UpdateRoute(ctx, low)))
}

func TestPostgresVersionRepository(t *testing.T) {
	db := testinfra.Postgres(t)
	versions := NewVersionRepository(db)
	ctx := context.Background()

	for v := 1; v <= 3; v++ {
		def := testDefinition("r1", v)
		def.Version = v
		require.NoError(t, versions.CreateVersion(ctx, &RouteVersion{
			RouteID:    "r1",
			Version:    v,
			Action:     models.RouteActionUpdate,
			Definition: *def,
			ChangedBy:  "ops",
		}))
	}

	err := versions.CreateVersion(ctx, &RouteVersion{RouteID: "r1", Version: 3, Action: models.RouteActionUpdate})
	assert.Error(t, err)

	history, err := versions.GetVersions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 3, history[0].Version)
	assert.Equal(t, 3, history[0].Definition.Priority)
	assert.Equal(t, "ops", history[0].ChangedBy)
}
