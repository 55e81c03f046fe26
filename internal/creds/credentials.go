package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Credentials holds saved API tokens. Vaults maps a vault number to its
// token; Token is used for vaults without an entry.
type Credentials struct {
	Token  string
	Vaults map[string]string
}

type fileFormat struct {
	Token  string          `json:"token,omitempty"`
	Vaults json.RawMessage `json:"vaults,omitempty"`
}

type vaultEntry struct {
	Token string `json:"token"`
}

// Parse decodes a credentials document. Vault entries may be nested
// ({"4242": {"token": "..."}}) or flat ({"4242": "..."}).
func Parse(data []byte) (*Credentials, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	c := &Credentials{Token: f.Token, Vaults: make(map[string]string)}
	if len(f.Vaults) == 0 {
		return c, nil
	}

	var nested map[string]vaultEntry
	if err := json.Unmarshal(f.Vaults, &nested); err == nil {
		for num, v := range nested {
			c.Vaults[num] = v.Token
		}
		return c, nil
	}

	var flat map[string]string
	if err := json.Unmarshal(f.Vaults, &flat); err != nil {
		return nil, fmt.Errorf("parse credentials: vaults must map vault numbers to tokens")
	}
	for num, token := range flat {
		c.Vaults[num] = token
	}
	return c, nil
}

// Load reads credentials from path. A missing file yields empty credentials.
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Credentials{Vaults: make(map[string]string)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return Parse(data)
}

// Save writes credentials to path, readable only by the owner.
func (c *Credentials) Save(path string) error {
	vaults := make(map[string]vaultEntry, len(c.Vaults))
	for num, token := range c.Vaults {
		vaults[num] = vaultEntry{Token: token}
	}
	raw, err := json.Marshal(vaults)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	data, err := json.MarshalIndent(fileFormat{Token: c.Token, Vaults: raw}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// TokenFor returns the token for vaultNum, falling back to the default token.
func (c *Credentials) TokenFor(vaultNum string) string {
	if token := strings.TrimSpace(c.Vaults[vaultNum]); token != "" {
		return token
	}
	return strings.TrimSpace(c.Token)
}

// Set stores the token of a vault.
func (c *Credentials) Set(vaultNum, token string) {
	if c.Vaults == nil {
		c.Vaults = make(map[string]string)
	}
	c.Vaults[vaultNum] = token
}

// Remove forgets the token of a vault and reports whether one was saved.
func (c *Credentials) Remove(vaultNum string) bool {
	if _, ok := c.Vaults[vaultNum]; !ok {
		return false
	}
	delete(c.Vaults, vaultNum)
	return true
}

// VaultNums returns the vaults with a saved token, sorted.
func (c *Credentials) VaultNums() []string {
	nums := make([]string, 0, len(c.Vaults))
	for num := range c.Vaults {
		nums = append(nums, num)
	}
	sort.Strings(nums)
	return nums
}
