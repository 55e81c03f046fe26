package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// ScopeSelection is the immutable set of projects, protocols and run dates a
// sync session covers. Build it with NewScopeSelection.
type ScopeSelection struct {
	projects   map[VaultID]string
	protocols  map[VaultID]string
	runsBefore string
	runsAfter  string
}

// NewScopeSelection builds a scope. Date bounds are inclusive and optional;
// when set they must start with a YYYY-MM-DD date.
func NewScopeSelection(projects, protocols map[VaultID]string, runsBefore, runsAfter string) (ScopeSelection, error) {
	runsBefore = strings.TrimSpace(runsBefore)
	runsAfter = strings.TrimSpace(runsAfter)

	for name, bound := range map[string]string{"runs_before": runsBefore, "runs_after": runsAfter} {
		if err := validateDateBound(bound); err != nil {
			return ScopeSelection{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
	}

	if runsBefore != "" && runsAfter != "" && runsAfter > runsBefore {
		return ScopeSelection{}, fmt.Errorf("%w: runs_after %s is later than runs_before %s",
			ErrInvalidConfig, runsAfter, runsBefore)
	}

	return ScopeSelection{
		projects:   copyIDMap(projects),
		protocols:  copyIDMap(protocols),
		runsBefore: runsBefore,
		runsAfter:  runsAfter,
	}, nil
}

// HasProject reports whether the project is in scope.
func (s ScopeSelection) HasProject(id VaultID) bool {
	_, ok := s.projects[id]
	return ok
}

// HasProtocol reports whether the protocol is in scope.
func (s ScopeSelection) HasProtocol(id VaultID) bool {
	_, ok := s.protocols[id]
	return ok
}

// ProjectIDs returns the selected project ids in ascending order.
func (s ScopeSelection) ProjectIDs() []VaultID {
	return sortedIDs(s.projects)
}

// ProtocolIDs returns the selected protocol ids in ascending order.
func (s ScopeSelection) ProtocolIDs() []VaultID {
	return sortedIDs(s.protocols)
}

// ProjectName returns the catalog name of a selected project.
func (s ScopeSelection) ProjectName(id VaultID) string {
	return s.projects[id]
}

// ProtocolName returns the catalog name of a selected protocol.
func (s ScopeSelection) ProtocolName(id VaultID) string {
	return s.protocols[id]
}

// RunsBefore returns the inclusive upper date bound, or "".
func (s ScopeSelection) RunsBefore() string { return s.runsBefore }

// RunsAfter returns the inclusive lower date bound, or "".
func (s ScopeSelection) RunsAfter() string { return s.runsAfter }

// InWindow reports whether runDate falls inside the date bounds. Dates are
// compared as strings, exactly as the vault formats them.
func (s ScopeSelection) InWindow(runDate string) bool {
	if s.runsBefore != "" && runDate > s.runsBefore {
		return false
	}
	if s.runsAfter != "" && runDate < s.runsAfter {
		return false
	}
	return true
}

func validateDateBound(bound string) error {
	if bound == "" {
		return nil
	}
	if len(bound) < len(dateLayout) {
		return fmt.Errorf("%q is not a YYYY-MM-DD date", bound)
	}
	if _, err := time.Parse(dateLayout, bound[:len(dateLayout)]); err != nil {
		return fmt.Errorf("%q is not a YYYY-MM-DD date", bound)
	}
	return nil
}

func copyIDMap(in map[VaultID]string) map[VaultID]string {
	out := make(map[VaultID]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedIDs(m map[VaultID]string) []VaultID {
	ids := make([]VaultID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}
