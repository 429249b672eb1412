package bids

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"intake/internal/config"
	"intake/internal/dms"
	"intake/internal/engine"
	"intake/internal/identity"
	"intake/internal/services"
)

// Client is the slice of the DMS client the participants pipeline uses.
type Client interface {
	CreateSubject(ctx context.Context, subject dms.NewSubject) (string, error)
}

// createInfo carries what a CreateSubject call needs: where the participant
// was seen plus the demographics the participants table had for them.
type createInfo struct {
	collection  string
	project     string
	sex         string
	dateOfBirth string
}

// Participants syncs BIDS participant labels into the DMS subject registry.
// The pipeline is identity-only: a known participant is an immediate skip,
// an unknown one is created with whatever demographics the table carries,
// and there is no further side effect.
type Participants struct {
	root   string
	prefix string
	create bool
	scope  engine.Scope
	client Client

	mu   sync.Mutex
	info map[string]createInfo
}

// NewParticipants builds the pipeline from config.
func NewParticipants(cfg *config.Config, client Client, scope engine.Scope) *Participants {
	return &Participants{
		root:   cfg.Paths.BIDSRootDir,
		prefix: cfg.BIDS.ParticipantPrefix,
		create: cfg.BIDS.CreateMissing,
		scope:  scope,
		client: client,
		info:   make(map[string]createInfo),
	}
}

func (p *Participants) Name() string { return "bids-participants" }

func (p *Participants) Flow() engine.Flow {
	return engine.Flow{CreateMissing: p.create, SkipExisting: true}
}

// Units lists one unit per participant row across the scoped datasets.
func (p *Participants) Units(_ context.Context) ([]engine.Unit, error) {
	return participantUnits(p.root, p.scope)
}

// Validate surfaces the dataset gate and derives the external identifier
// from the participant label. Demographics columns, when present, are
// remembered for a later create call.
func (p *Participants) Validate(_ context.Context, unit *engine.Unit) error {
	pu, ok := unit.Payload.(participantUnit)
	if !ok || pu.ds == nil {
		return services.Wrap(services.ErrValidation, "bids", "validate", "unit carries no dataset", nil)
	}
	if pu.ds.gateErr != nil {
		return services.Wrap(services.ErrValidation, "bids", "validate", pu.ds.gateErr.Error(), nil)
	}

	externalID, err := externalIDFrom(pu.row.participantID, p.prefix)
	if err != nil {
		return services.Wrap(services.ErrValidation, "bids", "validate", err.Error(), nil)
	}

	unit.ExternalIDs = []string{externalID}
	p.remember(externalID, pu)
	return nil
}

// Sync has nothing left to do: creation already happened during resolution.
// The internal identifier becomes the tracker detail.
func (p *Participants) Sync(_ context.Context, _ *engine.RunContext, unit *engine.Unit, mappings []identity.Mapping) error {
	if len(mappings) > 0 {
		unit.Detail = mappings[0].InternalID
	}
	return nil
}

// CreateSubject registers one participant with the demographics their
// table row carried.
func (p *Participants) CreateSubject(ctx context.Context, externalID string) (string, error) {
	p.mu.Lock()
	info, ok := p.info[externalID]
	p.mu.Unlock()
	if !ok {
		return "", services.Wrap(services.ErrValidation, "bids", "create",
			fmt.Sprintf("identifier %s seen in no validated unit", externalID), nil)
	}
	return p.client.CreateSubject(ctx, dms.NewSubject{
		ExternalID:  externalID,
		Collection:  info.collection,
		Project:     info.project,
		Sex:         info.sex,
		DateOfBirth: info.dateOfBirth,
	})
}

func (p *Participants) remember(externalID string, pu participantUnit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info[externalID] = createInfo{
		collection:  pu.ds.collection,
		project:     pu.ds.project,
		sex:         pu.ds.column(pu.row, "sex"),
		dateOfBirth: pu.ds.column(pu.row, "date_of_birth"),
	}
}

// externalIDFrom strips the configured label prefix. A label that is
// nothing but the prefix has no identifier in it.
func externalIDFrom(label, prefix string) (string, error) {
	id := strings.TrimPrefix(label, prefix)
	if id == "" {
		return "", fmt.Errorf("participant label %q has no identifier", label)
	}
	return id, nil
}
