// Package store persists orchestrator node state through pluggable
// adapters: in-memory, JSON file, SQLite and Redis. The persisted shape
// carries a semver schema version checked on load.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/msrovani/befree/pkg/content"
	"github.com/msrovani/befree/pkg/economy"
	"github.com/msrovani/befree/pkg/governance"
	"github.com/msrovani/befree/pkg/identity"
	"github.com/msrovani/befree/pkg/reputation"
)

// SchemaVersion is stamped on every saved state.
const SchemaVersion = "1.0.0"

// schemaConstraint accepts any state this code can still read.
const schemaConstraint = ">= 1.0.0, < 2.0.0"

// ErrSchemaVersion reports a persisted state written by an incompatible
// schema revision.
var ErrSchemaVersion = errors.New("incompatible state schema version")

// State is the full persisted form of one orchestrator node.
type State struct {
	SchemaVersion    string               `json:"schemaVersion"`
	Identity         *identity.Identity   `json:"identity,omitempty"`
	PublishedFeed    []content.Envelope   `json:"publishedFeed"`
	Inbox            []content.InboxEntry `json:"inbox"`
	SeenSignatures   []string             `json:"seenSignatures"`
	LastSyncedAt     int64                `json:"lastSyncedAt"`
	Ledger           economy.State        `json:"ledger"`
	ReputationEvents []reputation.Event   `json:"reputationEvents"`
	Governance       governance.State     `json:"governance"`
}

// Storage is the persistence contract the orchestrator saves through.
// Load returns (nil, nil) when nothing was ever saved.
type Storage interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// Encode stamps the schema version and serializes a state.
func Encode(state *State) ([]byte, error) {
	stamped := *state
	if stamped.SchemaVersion == "" {
		stamped.SchemaVersion = SchemaVersion
	}
	data, err := json.Marshal(&stamped)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// Decode parses a persisted state and rejects incompatible schema
// versions.
func Decode(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if state.SchemaVersion == "" {
		state.SchemaVersion = SchemaVersion
	}
	version, err := semver.NewVersion(state.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("schema version %q: %w", state.SchemaVersion, ErrSchemaVersion)
	}
	constraint, err := semver.NewConstraint(schemaConstraint)
	if err != nil {
		return nil, fmt.Errorf("schema constraint: %w", err)
	}
	if !constraint.Check(version) {
		return nil, fmt.Errorf("schema version %s outside %s: %w", version, schemaConstraint, ErrSchemaVersion)
	}
	return &state, nil
}
