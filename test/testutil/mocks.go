package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockConfirmer mocks the reconciliation confirmation prompt.
type MockConfirmer struct {
	mock.Mock
}

// NewMockConfirmer creates a confirmer that answers accept to every prompt.
func NewMockConfirmer(accept bool) *MockConfirmer {
	m := &MockConfirmer{}
	m.On("Confirm", mock.Anything, mock.Anything).Return(accept, nil)
	return m
}

// Confirm records the candidates and returns the configured answer.
func (m *MockConfirmer) Confirm(ctx context.Context, candidates []string) (bool, error) {
	args := m.Called(ctx, candidates)
	return args.Bool(0), args.Error(1)
}
