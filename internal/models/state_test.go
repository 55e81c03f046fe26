package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/cddsync/internal/models"
)

func TestNewSession(t *testing.T) {
	s := models.NewSession("4598")

	assert.Equal(t, "4598", s.VaultNum)
	assert.True(t, s.SyncFiles)
	assert.True(t, s.UpdatedAt.IsZero())
}

func TestSessionValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*models.Session)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(s *models.Session) {},
		},
		{
			name:    "missing vault",
			modify:  func(s *models.Session) { s.VaultNum = " " },
			wantErr: "vault number is required",
		},
		{
			name:    "missing root",
			modify:  func(s *models.Session) { s.Root = "" },
			wantErr: "root directory is required",
		},
		{
			name: "both project names and ids",
			modify: func(s *models.Session) {
				s.ProjectNames = []string{"Alpha"}
				s.ProjectIDs = []models.VaultID{"1"}
			},
			wantErr: "ambiguous project selection",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := models.NewSession("4598")
			s.Root = "/data/cdd"
			tt.modify(s)

			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestSessionClone(t *testing.T) {
	s := models.NewSession("4598")
	s.ProjectNames = []string{"Alpha"}
	s.ProtocolIDs = []models.VaultID{"10"}

	clone := s.Clone()
	clone.ProjectNames[0] = "Beta"
	clone.ProtocolIDs = append(clone.ProtocolIDs, "11")

	assert.Equal(t, "Alpha", s.ProjectNames[0])
	assert.Len(t, s.ProtocolIDs, 1)
}
