// Package orchestrator implements the community node root object. One
// Orchestrator owns an identity, a peer node, the ledger, reputation
// log, governance engine and automation engine, and serializes its
// state through a pluggable storage adapter.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/msrovani/befree/pkg/automation"
	"github.com/msrovani/befree/pkg/content"
	"github.com/msrovani/befree/pkg/economy"
	"github.com/msrovani/befree/pkg/governance"
	"github.com/msrovani/befree/pkg/identity"
	"github.com/msrovani/befree/pkg/observability"
	"github.com/msrovani/befree/pkg/p2p"
	"github.com/msrovani/befree/pkg/reputation"
	"github.com/msrovani/befree/pkg/store"
	"github.com/msrovani/befree/pkg/telemetry"
)

// State is the orchestrator lifecycle stage.
type State string

const (
	StateCreated   State = "created"
	StateRestoring State = "restoring"
	StateReady     State = "ready"
	StateBusy      State = "busy"
	StateStopped   State = "stopped"
)

// Options configures a new Orchestrator. Every collaborator is
// injectable; zero values pick fresh instance-scoped defaults.
type Options struct {
	// Identity imports existing key material. Nil generates a new
	// persona (unless storage restores one).
	Identity *identity.Identity
	Label    string

	// Network is the peer simulator to join. Nil builds a private
	// single-node network.
	Network    *p2p.Network
	Registry   string
	Multiaddrs []string

	// DefaultReward, when set, issues a treasury reward on every
	// publish that does not override it.
	DefaultReward *economy.Amount
	RewardMemo    string

	Storage store.Storage
	// AutosaveInterval schedules a periodic persistence job. Zero
	// disables autosave.
	AutosaveInterval time.Duration

	Ledger     *economy.Ledger
	Reputation *reputation.Log
	Governance *governance.Engine
	Telemetry  *telemetry.Collector

	// Observability, when set, adds spans and counters around every
	// operation.
	Observability *observability.Provider

	Logger *slog.Logger
}

// Orchestrator is the stateful community node. All exported methods are
// safe for concurrent use.
type Orchestrator struct {
	mu    sync.Mutex
	state State

	opts     Options
	identity *identity.Identity
	logger   *slog.Logger

	network  *p2p.Network
	node     *p2p.Node
	registry string

	ledger     *economy.Ledger
	reputation *reputation.Log
	governance *governance.Engine
	automation *automation.Engine
	telemetry  *telemetry.Collector
	obs        *observability.Provider

	storage store.Storage

	publishedFeed []content.Envelope
	inbox         []content.InboxEntry
	seen          map[string]struct{}
	lastSyncedAt  int64

	restored bool

	saveMu   sync.Mutex
	saveTail chan struct{}

	autosaveJob string
}

// New builds an Orchestrator in the created state. Start must be called
// before content flows.
func New(opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}

	id := opts.Identity
	if id == nil {
		fresh, err := identity.New(opts.Label)
		if err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
		id = fresh
	}

	network := opts.Network
	if network == nil {
		network = p2p.NewNetwork()
	}
	registry := opts.Registry
	if registry == "" {
		registry = p2p.DefaultRegistry
	}

	ledger := opts.Ledger
	if ledger == nil {
		ledger = economy.NewLedger()
	}
	repLog := opts.Reputation
	if repLog == nil {
		repLog = reputation.NewLog()
	}
	gov := opts.Governance
	if gov == nil {
		gov = governance.NewEngine()
	}
	collector := opts.Telemetry
	if collector == nil {
		collector = telemetry.NewCollector()
	}

	o := &Orchestrator{
		state:      StateCreated,
		opts:       opts,
		identity:   id,
		logger:     logger,
		network:    network,
		registry:   registry,
		ledger:     ledger,
		reputation: repLog,
		governance: gov,
		telemetry:  collector,
		obs:        opts.Observability,
		storage:    opts.Storage,
		seen:       make(map[string]struct{}),
	}
	o.automation = automation.NewEngine(
		automation.WithLogger(logger.With("component", "automation")),
		automation.WithEmitter(func(event string, payload any) {
			collector.RecordEvent(event, map[string]any{"payload": payload})
		}),
	)

	closed := make(chan struct{})
	close(closed)
	o.saveTail = closed
	return o, nil
}

// CurrentState reports the lifecycle stage.
func (o *Orchestrator) CurrentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Author returns the node's wire author descriptor.
func (o *Orchestrator) Author() content.Author {
	return content.Author{
		DID:       o.identity.DID,
		PublicKey: o.identity.PublicKey,
		Wallet:    o.identity.Wallet,
		Label:     o.identity.Label,
	}
}

// Automation exposes the node's automation engine for task and job
// registration.
func (o *Orchestrator) Automation() *automation.Engine { return o.automation }

// Telemetry exposes the node's metric collector.
func (o *Orchestrator) Telemetry() *telemetry.Collector { return o.telemetry }

// Ledger exposes the node's account ledger.
func (o *Orchestrator) Ledger() *economy.Ledger { return o.ledger }

// Peers lists the currently known peers.
func (o *Orchestrator) Peers() []p2p.PeerInfo {
	o.mu.Lock()
	node := o.node
	o.mu.Unlock()
	if node == nil {
		return nil
	}
	return node.Peers()
}

// Start joins the peer network and restores persisted state exactly once
// per object lifetime. Idempotent; a second call returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator stopped")
	}
	if o.node != nil {
		o.mu.Unlock()
		return nil
	}
	restore := !o.restored
	o.restored = true
	if restore {
		o.state = StateRestoring
	}
	o.mu.Unlock()

	if restore {
		o.restoreState(ctx)
	}

	meta := p2p.Metadata{"agent": "befree-orchestrator"}
	if o.identity.Label != "" {
		meta["label"] = o.identity.Label
	}
	node := o.network.NewNode(meta, o.opts.Multiaddrs...)
	node.HandleType("content:new", func(msg p2p.Message) {
		envelope, err := decodeEnvelope(msg.Payload)
		if err != nil {
			o.logger.Warn("malformed content broadcast", "from", msg.From, "error", err)
			return
		}
		if _, err := o.IngestContent(context.Background(), envelope, msg.From); err != nil {
			o.logger.Warn("ingest failed", "from", msg.From, "error", err)
		}
	})
	node.HandleType("content:feed:request", func(msg p2p.Message) {
		o.answerFeedRequest(node, msg)
	})
	node.OnPeerJoin(func(info p2p.PeerInfo) {
		o.telemetry.RecordEvent("peer:join", map[string]any{"peer": info.ID})
	})
	node.OnPeerLeave(func(info p2p.PeerInfo) {
		o.telemetry.RecordEvent("peer:left", map[string]any{"peer": info.ID})
	})
	node.Start(o.registry)

	o.mu.Lock()
	o.node = node
	o.state = StateReady
	o.mu.Unlock()

	if o.opts.AutosaveInterval > 0 && o.autosaveJob == "" {
		jobID, err := o.automation.RegisterJob(automation.Job{
			ID:          "autosave",
			Description: "periodic state persistence",
			Interval:    o.opts.AutosaveInterval,
			Run: func(*automation.Context) error {
				o.persist()
				return nil
			},
		})
		if err != nil {
			o.logger.Warn("autosave job registration failed", "error", err)
		} else {
			o.autosaveJob = jobID
		}
	}

	o.logger.Info("orchestrator ready", "did", o.identity.DID, "registry", o.registry)
	return nil
}

// Stop leaves the network, stops automation jobs and waits for queued
// saves to drain. Idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return nil
	}
	node := o.node
	o.node = nil
	o.state = StateStopped
	o.mu.Unlock()

	o.automation.StopAllJobs()
	if node != nil {
		node.Stop()
	}
	o.flushSaves(ctx)
	o.logger.Info("orchestrator stopped", "did", o.identity.DID)
	return nil
}

func (o *Orchestrator) ensureStarted(ctx context.Context) error {
	o.mu.Lock()
	started := o.node != nil
	stopped := o.state == StateStopped
	o.mu.Unlock()
	if stopped {
		return fmt.Errorf("orchestrator stopped")
	}
	if started {
		return nil
	}
	return o.Start(ctx)
}

// beginOp flips ready to busy for the duration of one operation.
func (o *Orchestrator) beginOp() {
	o.mu.Lock()
	if o.state == StateReady {
		o.state = StateBusy
	}
	o.mu.Unlock()
}

func (o *Orchestrator) endOp() {
	o.mu.Lock()
	if o.state == StateBusy {
		o.state = StateReady
	}
	o.mu.Unlock()
}

// restoreState loads persisted state. Any load failure falls back to a
// fresh in-memory state with a warning.
func (o *Orchestrator) restoreState(ctx context.Context) {
	if o.storage == nil {
		return
	}
	state, err := o.storage.Load(ctx)
	if err != nil {
		o.logger.Warn("state restore failed, starting fresh", "error", err)
		o.telemetry.RecordEvent("storage:load:failed", map[string]any{"error": err.Error()})
		return
	}
	if state == nil {
		return
	}

	if o.opts.Identity == nil && state.Identity != nil {
		restored, err := identity.Import(*state.Identity)
		if err != nil {
			o.logger.Warn("persisted identity rejected, keeping generated persona", "error", err)
		} else {
			o.identity = restored
		}
	}

	o.mu.Lock()
	o.publishedFeed = append([]content.Envelope(nil), state.PublishedFeed...)
	o.inbox = append([]content.InboxEntry(nil), state.Inbox...)
	o.seen = make(map[string]struct{}, len(state.SeenSignatures))
	for _, sig := range state.SeenSignatures {
		o.seen[sig] = struct{}{}
	}
	o.lastSyncedAt = state.LastSyncedAt
	o.mu.Unlock()

	if err := o.ledger.Import(state.Ledger); err != nil {
		o.logger.Warn("ledger restore failed", "error", err)
	}
	o.reputation.Import(state.ReputationEvents)
	o.governance.Import(state.Governance)

	o.telemetry.RecordEvent("storage:restored", map[string]any{
		"feed":  len(state.PublishedFeed),
		"inbox": len(state.Inbox),
	})
	o.logger.Info("state restored",
		"feed", len(state.PublishedFeed),
		"inbox", len(state.Inbox),
		"schema", state.SchemaVersion,
	)
}

func (o *Orchestrator) exportState() *store.State {
	o.mu.Lock()
	feed := append([]content.Envelope(nil), o.publishedFeed...)
	inbox := append([]content.InboxEntry(nil), o.inbox...)
	seen := make([]string, 0, len(o.seen))
	for sig := range o.seen {
		seen = append(seen, sig)
	}
	lastSynced := o.lastSyncedAt
	o.mu.Unlock()

	return &store.State{
		Identity:         o.identity,
		PublishedFeed:    feed,
		Inbox:            inbox,
		SeenSignatures:   seen,
		LastSyncedAt:     lastSynced,
		Ledger:           o.ledger.Export(),
		ReputationEvents: o.reputation.Export(),
		Governance:       o.governance.Export(),
	}
}

// persist queues a save. Saves are chained through one goroutine at a
// time: a later save always observes the previous save's completion and
// exports the state current at its own turn.
func (o *Orchestrator) persist() {
	if o.storage == nil {
		return
	}
	o.saveMu.Lock()
	prev := o.saveTail
	done := make(chan struct{})
	o.saveTail = done
	o.saveMu.Unlock()

	go func() {
		defer close(done)
		<-prev
		err := o.telemetry.Time("persist", func() error {
			return o.storage.Save(context.Background(), o.exportState())
		})
		if err != nil {
			o.logger.Warn("state save failed", "error", err)
			o.telemetry.RecordEvent("storage:save:failed", map[string]any{"error": err.Error()})
		}
	}()
}

// flushSaves blocks until every queued save has completed or the
// context expires.
func (o *Orchestrator) flushSaves(ctx context.Context) {
	o.saveMu.Lock()
	tail := o.saveTail
	o.saveMu.Unlock()
	select {
	case <-tail:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) track(ctx context.Context, name string) func(error) {
	if o.obs == nil {
		return func(error) {}
	}
	_, done := o.obs.TrackOperation(ctx, name)
	return done
}
