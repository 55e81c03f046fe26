package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// VaultID identifies a project, protocol, run or file inside a vault. The
// service hands out integers; they are kept as their decimal string form.
type VaultID string

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *VaultID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = VaultID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("vault id: %w", err)
	}
	*id = VaultID(n.String())
	return nil
}

func (id VaultID) String() string {
	return string(id)
}

// IsZero reports whether the id is unset.
func (id VaultID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

// Less orders ids numerically when both are integers and lexicographically
// otherwise.
func (id VaultID) Less(other VaultID) bool {
	a, errA := strconv.ParseInt(string(id), 10, 64)
	b, errB := strconv.ParseInt(string(other), 10, 64)
	if errA == nil && errB == nil {
		return a < b
	}
	return id < other
}

// ParseVaultIDs splits a list of raw identifiers, dropping blanks.
func ParseVaultIDs(raw []string) []VaultID {
	var ids []VaultID
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		ids = append(ids, VaultID(r))
	}
	return ids
}

// NamedEntity is a project or protocol as known to the catalog.
type NamedEntity struct {
	ID   VaultID `json:"id"`
	Name string  `json:"name"`
}

// Protocol is a protocol listing entry with its nested runs.
type Protocol struct {
	ID   VaultID       `json:"id"`
	Name string        `json:"name"`
	Runs []ProtocolRun `json:"runs,omitempty"`
}

// ProtocolRun is a run as nested under a protocol listing.
type ProtocolRun struct {
	ID         VaultID     `json:"id"`
	RunDate    string      `json:"run_date"`
	ModifiedAt string      `json:"modified_at"`
	Project    NamedEntity `json:"project"`
}

// RunRecord is one remote run flattened with its project and protocol.
type RunRecord struct {
	ProjectID     VaultID `json:"project_id"`
	ProjectName   string  `json:"project_name"`
	ProtocolID    VaultID `json:"protocol_id"`
	ProtocolName  string  `json:"protocol_name"`
	RunID         VaultID `json:"run_id"`
	RunDate       string  `json:"run_date"`
	RunModifiedAt string  `json:"run_modified_at"`
}

// PlannedRun pairs a run with the directory it is materialized into.
type PlannedRun struct {
	Run  RunRecord
	Path string
}

// VaultFile is a binary file downloaded from the vault.
type VaultFile struct {
	ID       VaultID
	Name     string
	Contents []byte
}
