package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cddsync/internal/models"
)

func TestNewScopeSelection(t *testing.T) {
	tests := []struct {
		name    string
		before  string
		after   string
		wantErr bool
	}{
		{"no bounds", "", "", false},
		{"both bounds", "2022-10-17", "2022-05-15", false},
		{"timestamp bound", "2022-10-17T00:00:00Z", "", false},
		{"malformed before", "17/10/2022", "", true},
		{"short after", "", "2022", true},
		{"inverted window", "2022-01-01", "2022-02-01", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := models.NewScopeSelection(nil, nil, tt.before, tt.after)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScopeSelectionIsImmutable(t *testing.T) {
	projects := map[models.VaultID]string{"1": "Alpha"}
	scope, err := models.NewScopeSelection(projects, map[models.VaultID]string{"10": "P1"}, "", "")
	require.NoError(t, err)

	projects["2"] = "Beta"

	assert.True(t, scope.HasProject("1"))
	assert.False(t, scope.HasProject("2"))
	assert.Equal(t, "Alpha", scope.ProjectName("1"))
	assert.Equal(t, "P1", scope.ProtocolName("10"))
	assert.True(t, scope.HasProtocol("10"))
}

func TestScopeSelectionSortedIDs(t *testing.T) {
	scope, err := models.NewScopeSelection(
		map[models.VaultID]string{"20": "b", "3": "a"},
		map[models.VaultID]string{"100": "x", "11": "y", "2": "z"},
		"", "")
	require.NoError(t, err)

	assert.Equal(t, []models.VaultID{"3", "20"}, scope.ProjectIDs())
	assert.Equal(t, []models.VaultID{"2", "11", "100"}, scope.ProtocolIDs())
}

func TestScopeSelectionInWindow(t *testing.T) {
	scope, err := models.NewScopeSelection(nil, nil, "2022-10-17", "2022-05-15")
	require.NoError(t, err)

	assert.True(t, scope.InWindow("2022-05-15"))
	assert.True(t, scope.InWindow("2022-10-17"))
	assert.True(t, scope.InWindow("2022-07-01"))
	assert.False(t, scope.InWindow("2022-05-14"))
	assert.False(t, scope.InWindow("2022-10-18"))

	open, err := models.NewScopeSelection(nil, nil, "", "")
	require.NoError(t, err)
	assert.True(t, open.InWindow("1999-01-01"))
}
