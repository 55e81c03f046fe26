package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FileRef is a source or attached file referenced by run metadata.
type FileRef struct {
	ID   VaultID `json:"id"`
	Name string  `json:"name"`
}

// RunMeta holds the few metadata fields the sync engine reads. The rest of
// the vendor payload is kept verbatim in Raw.
type RunMeta struct {
	ModifiedAt    string    `json:"modified_at"`
	SourceFiles   []FileRef `json:"source_files"`
	AttachedFiles []FileRef `json:"attached_files"`

	Raw json.RawMessage `json:"-"`
}

// ParseRunMeta decodes a run metadata payload.
func ParseRunMeta(data []byte) (*RunMeta, error) {
	var meta RunMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse run metadata: %w", err)
	}
	meta.Raw = append(json.RawMessage(nil), data...)
	return &meta, nil
}

// Encode renders the metadata for disk with modified_at pinned to modifiedAt.
// Pinning to the value seen at locate time keeps the file from claiming a
// version newer than the data written next to it.
func (m *RunMeta) Encode(modifiedAt string) ([]byte, error) {
	raw := m.Raw
	if m.ModifiedAt != modifiedAt {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(m.Raw, &fields); err != nil {
			return nil, fmt.Errorf("decode run metadata: %w", err)
		}
		stamp, err := json.Marshal(modifiedAt)
		if err != nil {
			return nil, err
		}
		fields["modified_at"] = stamp

		raw, err = json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encode run metadata: %w", err)
		}
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "    "); err != nil {
		return nil, fmt.Errorf("indent run metadata: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}
