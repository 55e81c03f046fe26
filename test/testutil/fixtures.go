package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/transport"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// Fixture ids and names of the sample vault.
const (
	AlphaID models.VaultID = "1"
	BetaID  models.VaultID = "2"
	P1ID    models.VaultID = "10"
	P2ID    models.VaultID = "11"
	PlateID models.VaultID = "9001"
	NotesID models.VaultID = "9002"

	ModifiedAt500 = "2023-01-02T08:00:00Z"
)

// SampleRun describes one run of the sample vault.
type SampleRun struct {
	Protocol models.NamedEntity
	Run      models.ProtocolRun
	Source   []models.FileRef
	Attached []models.FileRef
}

// Dir returns the run's path relative to the mirror root.
func (r SampleRun) Dir() string {
	return fmt.Sprintf("%s_%s/%s_%s/%s_%s",
		r.Run.Project.Name, r.Run.Project.ID,
		r.Protocol.Name, r.Protocol.ID,
		r.Run.RunDate, r.Run.ID)
}

// SampleRuns are the runs served by SampleVault.
func SampleRuns() []SampleRun {
	alpha := models.NamedEntity{ID: AlphaID, Name: "Alpha"}
	beta := models.NamedEntity{ID: BetaID, Name: "Beta"}
	p1 := models.NamedEntity{ID: P1ID, Name: "P1"}
	p2 := models.NamedEntity{ID: P2ID, Name: "P2"}

	return []SampleRun{
		{
			Protocol: p1,
			Run:      models.ProtocolRun{ID: "500", RunDate: "2023-01-01", ModifiedAt: ModifiedAt500, Project: alpha},
			Source:   []models.FileRef{{ID: PlateID, Name: "plate.xlsx"}},
		},
		{
			Protocol: p1,
			Run:      models.ProtocolRun{ID: "501", RunDate: "2023-02-15", ModifiedAt: "2023-02-16T09:30:00Z", Project: alpha},
		},
		{
			Protocol: p2,
			Run:      models.ProtocolRun{ID: "502", RunDate: "2023-03-01", ModifiedAt: "2023-03-01T17:00:00Z", Project: beta},
			Attached: []models.FileRef{{ID: NotesID, Name: "notes.txt"}},
		},
		{
			Protocol: p2,
			Run:      models.ProtocolRun{ID: "503", RunDate: "2022-12-31", ModifiedAt: "2023-01-05T10:00:00Z", Project: alpha},
		},
	}
}

// SampleMeta renders a run metadata document.
func SampleMeta(runID models.VaultID, modifiedAt string, source, attached []models.FileRef) []byte {
	if source == nil {
		source = []models.FileRef{}
	}
	if attached == nil {
		attached = []models.FileRef{}
	}
	doc := map[string]interface{}{
		"id":             runID,
		"modified_at":    modifiedAt,
		"person":         "lab-bot",
		"source_files":   source,
		"attached_files": attached,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

// SampleCSV renders the readout export of a run.
func SampleCSV(runID models.VaultID) []byte {
	return []byte(fmt.Sprintf("Run ID,Molecule,Readout\n%s,CDD-0001,1.25\n%s,CDD-0002,3.5\n", runID, runID))
}

// SampleVault returns a mock vault with two projects, two protocols, four
// runs and two files.
func SampleVault() *transport.MockVault {
	mock := transport.NewMockVault()
	mock.Projects = []models.NamedEntity{
		{ID: AlphaID, Name: "Alpha"},
		{ID: BetaID, Name: "Beta"},
	}

	for _, r := range SampleRuns() {
		mock.AddRun(r.Protocol, r.Run,
			SampleCSV(r.Run.ID),
			SampleMeta(r.Run.ID, r.Run.ModifiedAt, r.Source, r.Attached))
	}

	mock.AddFile(&models.VaultFile{ID: PlateID, Name: "plate.xlsx", Contents: []byte{0x50, 0x4b, 0x03, 0x04}})
	mock.AddFile(&models.VaultFile{ID: NotesID, Name: "notes.txt", Contents: []byte("washed twice\n")})

	return mock
}

// TouchRun bumps a run's modified_at in the mock, as an edit in the vault
// would.
func TouchRun(mock *transport.MockVault, runID models.VaultID, modifiedAt string) {
	for i := range mock.Protocols {
		for j := range mock.Protocols[i].Runs {
			if mock.Protocols[i].Runs[j].ID == runID {
				mock.Protocols[i].Runs[j].ModifiedAt = modifiedAt
			}
		}
	}
	meta, err := models.ParseRunMeta(mock.RunMeta[runID])
	if err != nil {
		panic(err)
	}
	mock.RunMeta[runID] = SampleMeta(runID, modifiedAt, meta.SourceFiles, meta.AttachedFiles)
}

// RemoveRun deletes a run from the mock.
func RemoveRun(mock *transport.MockVault, runID models.VaultID) {
	for i := range mock.Protocols {
		runs := mock.Protocols[i].Runs[:0]
		for _, r := range mock.Protocols[i].Runs {
			if r.ID != runID {
				runs = append(runs, r)
			}
		}
		mock.Protocols[i].Runs = runs
	}
	delete(mock.RunData, runID)
	delete(mock.RunMeta, runID)
}
