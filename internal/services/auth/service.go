package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/TheMichaelB/cddsync/internal/creds"
	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/services/vaults"
)

// TokenSetter receives the token a login verifies.
type TokenSetter interface {
	SetToken(token string)
}

// Service manages saved vault tokens.
type Service struct {
	vaults    *vaults.Service
	client    TokenSetter
	credsFile string
	logger    *events.Logger
}

// NewService creates an auth service storing tokens in credsFile.
func NewService(vaultService *vaults.Service, client TokenSetter, credsFile string, logger *events.Logger) *Service {
	return &Service{
		vaults:    vaultService,
		client:    client,
		credsFile: credsFile,
		logger:    logger.WithField("service", "auth"),
	}
}

// Login checks that token can access vaultNum and saves it.
func (s *Service) Login(ctx context.Context, vaultNum, token string) (models.NamedEntity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.NamedEntity{}, fmt.Errorf("%w: empty token", models.ErrNotAuthenticated)
	}

	logger := s.logger.WithField("vault", vaultNum)
	logger.Info("Verifying token")

	s.client.SetToken(token)
	s.vaults.ClearCache()

	vault, err := s.vaults.GetVault(ctx, vaultNum)
	if err != nil {
		return models.NamedEntity{}, fmt.Errorf("login: %w", err)
	}

	c, err := creds.Load(s.credsFile)
	if err != nil {
		return vault, err
	}
	c.Set(vaultNum, token)
	if err := c.Save(s.credsFile); err != nil {
		return vault, err
	}

	logger.WithField("name", vault.Name).Info("Login successful")
	return vault, nil
}

// Logout forgets the saved token of a vault.
func (s *Service) Logout(vaultNum string) error {
	c, err := creds.Load(s.credsFile)
	if err != nil {
		return err
	}
	if !c.Remove(vaultNum) {
		s.logger.WithField("vault", vaultNum).Debug("No saved token")
		return nil
	}
	s.logger.WithField("vault", vaultNum).Info("Removed saved token")
	return c.Save(s.credsFile)
}

// SavedToken returns the saved token for vaultNum.
func SavedToken(credsFile, vaultNum string) (string, error) {
	c, err := creds.Load(credsFile)
	if err != nil {
		return "", err
	}
	token := c.TokenFor(vaultNum)
	if token == "" {
		return "", models.ErrNotAuthenticated
	}
	return token, nil
}

// SavedVaults lists the vaults with a saved token.
func SavedVaults(credsFile string) ([]string, error) {
	c, err := creds.Load(credsFile)
	if err != nil {
		return nil, err
	}
	return c.VaultNums(), nil
}
