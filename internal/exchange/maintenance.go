package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
)

// PurgeLog deletes exchange log entries older than the retention period
func (o *Orchestrator) PurgeLog(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, model.NewValidationError("older_than", olderThan.String(), "gt", "retention must be positive")
	}
	cutoff := o.clock().Add(-olderThan)
	n, err := o.store.PurgeLog(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge exchange log: %w", err)
	}
	o.logger.InfoContext(ctx, "exchange log purged", "cutoff", cutoff, "deleted", n)
	return n, nil
}

// TestConnection checks a provider's credentials; an empty id means the
// active provider
func (o *Orchestrator) TestConnection(ctx context.Context, id model.ProviderID) (provider.ConnectionResult, error) {
	if id == "" {
		id = o.settings.ActiveProvider
	}
	adapter, err := o.adapter(id)
	if err != nil {
		return provider.ConnectionResult{}, err
	}
	return adapter.TestConnection(ctx), nil
}

// RegisterLegalEntity registers a participant with a provider that manages
// PEPPOL directory entries. An empty id means the active provider and a
// party without a name means the configured company.
func (o *Orchestrator) RegisterLegalEntity(ctx context.Context, id model.ProviderID, party model.Party) (string, error) {
	if id == "" {
		id = o.settings.ActiveProvider
	}
	if party.Name == "" {
		party = o.settings.Company
	}
	if party.PeppolIdentifier == "" {
		return "", model.MissingField("peppol_identifier")
	}

	adapter, err := o.adapter(id)
	if err != nil {
		return "", err
	}
	registrar, ok := adapter.(provider.LegalEntityRegistrar)
	if !ok || !adapter.Descriptor().Capabilities.LegalEntities {
		return "", fmt.Errorf("register legal entity with %s: %w", id, model.ErrUnsupported)
	}

	entityID, err := registrar.RegisterLegalEntity(ctx, party)
	if err != nil {
		return "", err
	}
	o.logger.InfoContext(ctx, "legal entity registered",
		"provider", id,
		"participant", party.ParticipantID(),
		"entity_id", entityID,
	)
	return entityID, nil
}
