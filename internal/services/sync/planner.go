package sync

import (
	"path/filepath"
	"strings"

	"github.com/TheMichaelB/cddsync/internal/models"
)

// Run snapshot file names.
const (
	SourceFilesDir   = "source_files"
	AttachedFilesDir = "attached_files"
)

// DataFileName returns the CSV file name of a run.
func DataFileName(runID models.VaultID) string {
	return "run-data-" + runID.String() + ".csv"
}

// MetaFileName returns the metadata sidecar name of a run.
func MetaFileName(runID models.VaultID) string {
	return "run-meta-" + runID.String() + ".json"
}

// PlanPaths maps each run to root/<project>_<id>/<protocol>_<id>/<date>_<id>.
// Runs whose names cannot form a portable path segment are reported and
// left out; the others are still planned.
func PlanPaths(runs []models.RunRecord, root string) ([]models.PlannedRun, []error) {
	planned := make([]models.PlannedRun, 0, len(runs))
	var errs []error

	for _, r := range runs {
		path, err := TargetPath(r, root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		planned = append(planned, models.PlannedRun{Run: r, Path: path})
	}

	return planned, errs
}

// TargetPath returns the directory a run is materialized into.
func TargetPath(r models.RunRecord, root string) (string, error) {
	segments := []struct {
		kind      string
		nameField string
		name      string
		id        string
	}{
		{"project", "project name", r.ProjectName, r.ProjectID.String()},
		{"protocol", "protocol name", r.ProtocolName, r.ProtocolID.String()},
		{"run", "run date", r.RunDate, r.RunID.String()},
	}

	parts := []string{root}
	for _, s := range segments {
		if s.name == "" {
			return "", &models.InvalidIdentityError{RunID: r.RunID, Field: s.nameField, Value: s.name, Reason: "empty"}
		}
		if s.id == "" {
			return "", &models.InvalidIdentityError{RunID: r.RunID, Field: s.kind + " id", Value: s.id, Reason: "empty"}
		}

		segment := s.name + "_" + s.id
		if reason := checkSegment(segment); reason != "" {
			return "", &models.InvalidIdentityError{RunID: r.RunID, Field: s.kind + " segment", Value: segment, Reason: reason}
		}
		parts = append(parts, segment)
	}

	return filepath.Join(parts...), nil
}

// ValidateFileName checks that a vault file name is a single portable path
// segment.
func ValidateFileName(name string) string {
	if name == "" {
		return "empty"
	}
	return checkSegment(name)
}

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// checkSegment returns why segment is not a portable path segment, or "".
func checkSegment(segment string) string {
	if segment == "." || segment == ".." {
		return "is a relative path reference"
	}

	for _, c := range segment {
		switch {
		case c == '/' || c == '\\':
			return "contains a path separator"
		case c == 0:
			return "contains a NUL byte"
		case c < 0x20 || c == 0x7f:
			return "contains a control character"
		case strings.ContainsRune(`<>:"|?*`, c):
			return "contains a character not allowed in file names"
		}
	}

	if strings.HasSuffix(segment, ".") || strings.HasSuffix(segment, " ") {
		return "ends with a dot or space"
	}

	base := segment
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if reservedNames[strings.ToUpper(strings.TrimRight(base, " "))] {
		return "is a reserved device name"
	}

	return ""
}
