package orchestrator

import (
	"context"
	"time"

	"github.com/msrovani/befree/pkg/ai"
	"github.com/msrovani/befree/pkg/analytics"
	"github.com/msrovani/befree/pkg/automation"
	"github.com/msrovani/befree/pkg/content"
	"github.com/msrovani/befree/pkg/economy"
	"github.com/msrovani/befree/pkg/governance"
	"github.com/msrovani/befree/pkg/reputation"
)

// CreateProposal drafts a governance proposal authored by this node.
func (o *Orchestrator) CreateProposal(ctx context.Context, draft governance.Draft) (governance.Proposal, error) {
	if err := o.ensureStarted(ctx); err != nil {
		return governance.Proposal{}, err
	}
	proposal, err := o.governance.CreateProposal(o.identity.DID, draft)
	if err != nil {
		return governance.Proposal{}, err
	}
	o.afterGovernance(automation.EventProposalCreated, proposal)
	return proposal, nil
}

// ActivateProposal opens a draft proposal for voting.
func (o *Orchestrator) ActivateProposal(ctx context.Context, id string) (governance.Proposal, error) {
	if err := o.ensureStarted(ctx); err != nil {
		return governance.Proposal{}, err
	}
	proposal, err := o.governance.Activate(id)
	if err != nil {
		return governance.Proposal{}, err
	}
	o.afterGovernance(automation.EventProposalActivated, proposal)
	return proposal, nil
}

// CancelProposal withdraws a proposal before closing.
func (o *Orchestrator) CancelProposal(ctx context.Context, id string) (governance.Proposal, error) {
	if err := o.ensureStarted(ctx); err != nil {
		return governance.Proposal{}, err
	}
	proposal, err := o.governance.Cancel(id)
	if err != nil {
		return governance.Proposal{}, err
	}
	o.afterGovernance(automation.EventProposalCancelled, proposal)
	return proposal, nil
}

// CloseProposal tallies an active proposal. Closing an already closed
// proposal returns the recorded outcome unchanged.
func (o *Orchestrator) CloseProposal(ctx context.Context, id string) (governance.Proposal, error) {
	if err := o.ensureStarted(ctx); err != nil {
		return governance.Proposal{}, err
	}
	proposal, err := o.governance.Close(id)
	if err != nil {
		return governance.Proposal{}, err
	}
	o.afterGovernance(automation.EventProposalClosed, proposal)
	return proposal, nil
}

// VoteOnProposal casts or replaces a vote. An empty voter defaults to
// this node's DID; the voter earns a curation reputation credit.
func (o *Orchestrator) VoteOnProposal(ctx context.Context, proposalID string, vote governance.VoteInput) (governance.VoteRecord, error) {
	if err := o.ensureStarted(ctx); err != nil {
		return governance.VoteRecord{}, err
	}
	if vote.Voter == "" {
		vote.Voter = o.identity.DID
	}

	var record governance.VoteRecord
	err := o.telemetry.Time("vote", func() error {
		var err error
		record, err = o.governance.Vote(proposalID, vote)
		return err
	})
	if err != nil {
		return governance.VoteRecord{}, err
	}

	o.recordReputation(reputation.Event{
		DID:      record.Voter,
		Category: reputation.CategoryCuration,
		Weight:   0.5,
		Metadata: map[string]any{"proposal": proposalID, "choice": record.Choice},
	})
	o.automation.Handle(automation.Event{
		Type:    automation.EventProposalVoted,
		Payload: map[string]any{"vote": record},
	})
	o.persist()
	return record, nil
}

// Proposal returns one proposal by id.
func (o *Orchestrator) Proposal(id string) (governance.Proposal, error) {
	return o.governance.Get(id)
}

// Proposals lists proposals, optionally filtered by status.
func (o *Orchestrator) Proposals(status governance.Status) []governance.Proposal {
	return o.governance.List(status)
}

func (o *Orchestrator) afterGovernance(event automation.EventType, proposal governance.Proposal) {
	o.telemetry.Increment("governance."+string(event), 1)
	o.automation.Handle(automation.Event{
		Type:    event,
		Payload: map[string]any{"proposal": proposal},
	})
	o.persist()
}

// Transfer moves credits from this node's account to another.
func (o *Orchestrator) Transfer(ctx context.Context, to string, amount economy.Amount, memo string) (economy.TransferReceipt, error) {
	if err := o.ensureStarted(ctx); err != nil {
		return economy.TransferReceipt{}, err
	}
	receipt, err := o.ledger.RecordTransfer(o.identity.DID, to, amount, memo)
	if err != nil {
		return economy.TransferReceipt{}, err
	}
	o.afterTransfer(receipt)
	return receipt, nil
}

// Reward issues credits to an account from the community treasury.
func (o *Orchestrator) Reward(ctx context.Context, to string, amount economy.Amount, memo string) (economy.TransferReceipt, error) {
	if err := o.ensureStarted(ctx); err != nil {
		return economy.TransferReceipt{}, err
	}
	receipt, err := o.ledger.PayFromTreasury(to, amount, memo)
	if err != nil {
		return economy.TransferReceipt{}, err
	}
	weight := receipt.Amount.Float64() / rewardWeightUnit
	if weight < 0.5 {
		weight = 0.5
	}
	o.recordReputation(reputation.Event{
		DID:      to,
		Category: reputation.CategoryEconomy,
		Weight:   weight,
		Metadata: map[string]any{"tx": receipt.Tx},
	})
	o.afterTransfer(receipt)
	return receipt, nil
}

// BalanceOf reads an account balance. An empty account reads this
// node's own.
func (o *Orchestrator) BalanceOf(account string) economy.Amount {
	if account == "" {
		account = o.identity.DID
	}
	return o.ledger.BalanceOf(account)
}

// LedgerHistory returns the receipt log in append order.
func (o *Orchestrator) LedgerHistory() []economy.TransferReceipt {
	return o.ledger.History()
}

func (o *Orchestrator) afterTransfer(receipt economy.TransferReceipt) {
	o.telemetry.Increment("ledger.transfers", 1)
	o.automation.Handle(automation.Event{
		Type:    automation.EventLedgerTransfer,
		Payload: map[string]any{"receipt": receipt},
	})
	o.persist()
}

// ReputationScore reads the current decayed score. An empty DID reads
// this node's own.
func (o *Orchestrator) ReputationScore(did string) float64 {
	if did == "" {
		did = o.identity.DID
	}
	return o.reputation.ScoreFor(did)
}

// ReputationLeaders returns the top scored identities.
func (o *Orchestrator) ReputationLeaders(limit int) []reputation.LeaderboardEntry {
	return o.reputation.Leaderboard(limit)
}

// AssistanceResult bundles the text intelligence outputs for one input.
type AssistanceResult struct {
	Summary  string    `json:"summary"`
	Keywords []string  `json:"keywords"`
	Intent   ai.Intent `json:"intent"`
}

// RequestAssistance runs the built-in text intelligence over free text.
func (o *Orchestrator) RequestAssistance(text string) AssistanceResult {
	return AssistanceResult{
		Summary:  ai.Summarize(text, 2),
		Keywords: ai.ExtractKeywords(text, defaultKeywordCount),
		Intent:   ai.DetectIntent(text),
	}
}

// GenerateDigest builds the community analytics digest over the current
// feed and inbox, annotating authors with live reputation scores.
func (o *Orchestrator) GenerateDigest(opts analytics.Options) analytics.Digest {
	o.mu.Lock()
	feed := append([]content.Envelope(nil), o.publishedFeed...)
	inbox := make([]content.Envelope, 0, len(o.inbox))
	for _, entry := range o.inbox {
		inbox = append(inbox, entry.Envelope)
	}
	o.mu.Unlock()

	if opts.ReputationResolver == nil {
		opts.ReputationResolver = o.reputation.ScoreFor
	}
	digest := analytics.BuildCommunityDigest(feed, inbox, opts)

	o.telemetry.Increment("digests.generated", 1)
	o.automation.Handle(automation.Event{
		Type:    automation.EventAnalyticsDigest,
		Payload: map[string]any{"digest": digest},
	})
	return digest
}

// Snapshot is a deep copy of the node's observable state.
type Snapshot struct {
	Author       content.Author            `json:"author"`
	State        State                     `json:"state"`
	Published    []content.Envelope        `json:"published"`
	Inbox        []content.InboxEntry      `json:"inbox"`
	Ledger       []economy.TransferReceipt `json:"ledger"`
	Balance      string                    `json:"balance"`
	Reputation   float64                   `json:"reputation"`
	LastSyncedAt int64                     `json:"lastSyncedAt"`
	GeneratedAt  int64                     `json:"generatedAt"`
}

// Snapshot captures the node's state at one instant. Mutating the
// returned value never affects the live node.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	published := append([]content.Envelope(nil), o.publishedFeed...)
	inbox := append([]content.InboxEntry(nil), o.inbox...)
	state := o.state
	lastSynced := o.lastSyncedAt
	o.mu.Unlock()

	return Snapshot{
		Author:       o.Author(),
		State:        state,
		Published:    published,
		Inbox:        inbox,
		Ledger:       o.ledger.History(),
		Balance:      o.ledger.BalanceOf(o.identity.DID).String(),
		Reputation:   o.reputation.ScoreFor(o.identity.DID),
		LastSyncedAt: lastSynced,
		GeneratedAt:  time.Now().UnixMilli(),
	}
}
