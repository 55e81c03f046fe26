package sync

import (
	"context"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/transport"
)

// Locator lists the remote runs under a set of protocols.
type Locator struct {
	api    transport.VaultAPI
	logger *events.Logger
}

// NewLocator creates a run locator.
func NewLocator(api transport.VaultAPI, logger *events.Logger) *Locator {
	return &Locator{
		api:    api,
		logger: logger.WithField("component", "locator"),
	}
}

// LocateRuns returns every run under protocolIDs, flattened with its project
// and protocol. All protocols are fetched with one batched query.
func (l *Locator) LocateRuns(ctx context.Context, protocolIDs []models.VaultID) ([]models.RunRecord, error) {
	if len(protocolIDs) == 0 {
		l.logger.Debug("No protocols selected, nothing to locate")
		return nil, nil
	}

	protocols, err := l.api.ListProtocols(ctx, protocolIDs)
	if err != nil {
		return nil, &models.RemoteQueryError{Op: "locate runs", Err: err}
	}

	var runs []models.RunRecord
	for _, p := range protocols {
		if len(p.Runs) == 0 {
			l.logger.WithField("protocol_id", p.ID).Debug("Protocol has no runs")
			continue
		}
		for _, r := range p.Runs {
			runs = append(runs, models.RunRecord{
				ProjectID:     r.Project.ID,
				ProjectName:   r.Project.Name,
				ProtocolID:    p.ID,
				ProtocolName:  p.Name,
				RunID:         r.ID,
				RunDate:       r.RunDate,
				RunModifiedAt: r.ModifiedAt,
			})
		}
	}

	l.logger.WithFields(map[string]interface{}{
		"protocols": len(protocolIDs),
		"runs":      len(runs),
	}).Info("Located runs")

	return runs, nil
}
