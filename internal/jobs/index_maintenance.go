package jobs

import (
	"context"
	"log"
)

// ScopeRebuilder exposes the vector store's stale-scope bookkeeping.
type ScopeRebuilder interface {
	StaleScopes() []string
	Rebuild(scopeID string)
}

// IndexMaintenance re-clusters scopes whose approximate index has drifted
// from the chunks inserted since the last build. Runs on the same poll
// loop as the other workers.
type IndexMaintenance struct {
	index ScopeRebuilder
}

// NewIndexMaintenance creates an IndexMaintenance processor.
func NewIndexMaintenance(index ScopeRebuilder) *IndexMaintenance {
	return &IndexMaintenance{index: index}
}

// ProcessJobs implements the JobProcessor interface
func (m *IndexMaintenance) ProcessJobs(ctx context.Context) error {
	stale := m.index.StaleScopes()
	for _, scopeID := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.index.Rebuild(scopeID)
	}
	if len(stale) > 0 {
		log.Printf("rebuilt %d stale scope indexes", len(stale))
	}
	return nil
}
