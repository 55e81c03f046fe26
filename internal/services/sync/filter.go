package sync

import (
	"sort"

	"github.com/TheMichaelB/cddsync/internal/models"
)

// FilterRuns keeps the runs whose project and protocol are in scope and whose
// run date falls inside the scope's inclusive window, sorted by project,
// protocol, run date and run id.
func FilterRuns(runs []models.RunRecord, scope models.ScopeSelection) []models.RunRecord {
	var out []models.RunRecord
	for _, r := range runs {
		if !scope.HasProject(r.ProjectID) || !scope.HasProtocol(r.ProtocolID) {
			continue
		}
		if !scope.InWindow(r.RunDate) {
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ProjectID != b.ProjectID {
			return a.ProjectID.Less(b.ProjectID)
		}
		if a.ProtocolID != b.ProtocolID {
			return a.ProtocolID.Less(b.ProtocolID)
		}
		if a.RunDate != b.RunDate {
			return a.RunDate < b.RunDate
		}
		return a.RunID.Less(b.RunID)
	})

	return out
}
