// Package governance manages community proposals with weighted voting.
// Vote weights are arbitrary-precision amounts so tallies survive JSON
// round-trips without loss.
package governance

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msrovani/befree/pkg/economy"
)

// Status is the lifecycle stage of a proposal.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrProposalNotFound reports a lookup of an unknown proposal id.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrProposalNotActive reports a vote on a non-active proposal.
	ErrProposalNotActive = errors.New("proposal not active")
	// ErrInvalidOption reports a vote for an option the proposal lacks.
	ErrInvalidOption = errors.New("option does not exist for proposal")
	// ErrInvalidDraft reports a draft missing a title or options.
	ErrInvalidDraft = errors.New("invalid proposal draft")
	// ErrInvalidVote reports a vote missing a voter or with a
	// non-positive weight.
	ErrInvalidVote = errors.New("invalid vote")
	// ErrInvalidTransition reports an activate/cancel/close call the
	// current status forbids.
	ErrInvalidTransition = errors.New("invalid proposal transition")
)

// OptionInput describes one choice when drafting a proposal.
type OptionInput struct {
	ID          string         `json:"id,omitempty"`
	Label       string         `json:"label"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Option is a materialized proposal choice.
type Option struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Draft is the input to CreateProposal.
type Draft struct {
	ID          string          `json:"id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Options     []OptionInput   `json:"options"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Status      Status          `json:"status,omitempty"`
	Quorum      *economy.Amount `json:"quorum,omitempty"`
	Deadline    int64           `json:"deadline,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

// VoteInput is the input to Vote. A nil Weight defaults to 1.
type VoteInput struct {
	Voter         string          `json:"voter"`
	Choice        string          `json:"choice"`
	Weight        *economy.Amount `json:"weight,omitempty"`
	Justification string          `json:"justification,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
}

// VoteRecord is one live vote. A voter re-voting replaces their record.
type VoteRecord struct {
	ProposalID    string         `json:"proposalId"`
	Voter         string         `json:"voter"`
	Choice        string         `json:"choice"`
	Weight        economy.Amount `json:"weight"`
	Justification string         `json:"justification,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     int64          `json:"timestamp"`
}

// Outcome is computed once when a proposal closes. WinningOptionID is
// empty when the top weight is zero, tied, or quorum was not reached;
// tallies and totals are still reported.
type Outcome struct {
	WinningOptionID string                    `json:"winningOptionId"`
	Tallies         map[string]economy.Amount `json:"tallies"`
	TotalWeight     economy.Amount            `json:"totalWeight"`
	TotalVotes      int                       `json:"totalVotes"`
	Tie             bool                      `json:"tie"`
	QuorumReached   bool                      `json:"quorumReached"`
	ClosedAt        int64                     `json:"closedAt"`
}

// Proposal is the full record of one proposal.
type Proposal struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Author      string          `json:"author"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
	Status      Status          `json:"status"`
	Options     []Option        `json:"options"`
	Votes       []VoteRecord    `json:"votes"`
	Outcome     *Outcome        `json:"outcome,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Quorum      *economy.Amount `json:"quorum,omitempty"`
	Deadline    int64           `json:"deadline,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

// State is the serialized proposal set.
type State struct {
	Proposals []Proposal `json:"proposals"`
}

// Engine holds one instance-scoped proposal set. Safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	proposals []*Proposal
	clock     func() time.Time
}

// NewEngine builds an empty governance engine.
func NewEngine() *Engine {
	return &Engine{clock: time.Now}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) now() int64 { return e.clock().UnixMilli() }

func (e *Engine) findLocked(id string) (*Proposal, error) {
	for _, p := range e.proposals {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("proposal %s: %w", id, ErrProposalNotFound)
}

// CreateProposal registers a draft. Options without explicit ids get
// "<proposalID>:<n>" ids numbered from 1.
func (e *Engine) CreateProposal(author string, draft Draft) (Proposal, error) {
	if draft.Title == "" {
		return Proposal{}, fmt.Errorf("title is required: %w", ErrInvalidDraft)
	}
	if len(draft.Options) == 0 {
		return Proposal{}, fmt.Errorf("at least one option is required: %w", ErrInvalidDraft)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := draft.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := draft.Status
	if status == "" {
		status = StatusDraft
	}
	options := make([]Option, len(draft.Options))
	for i, in := range draft.Options {
		optionID := in.ID
		if optionID == "" {
			optionID = fmt.Sprintf("%s:%d", id, i+1)
		}
		options[i] = Option{
			ID:          optionID,
			Label:       in.Label,
			Description: in.Description,
			Metadata:    cloneMeta(in.Metadata),
		}
	}

	now := e.now()
	p := &Proposal{
		ID:        id,
		Title:     draft.Title,
		Description: draft.Description,
		Author:    author,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    status,
		Options:   options,
		Votes:     []VoteRecord{},
		Metadata:  cloneMeta(draft.Metadata),
		Quorum:    cloneAmount(draft.Quorum),
		Deadline:  draft.Deadline,
		Tags:      append([]string(nil), draft.Tags...),
	}
	e.proposals = append(e.proposals, p)
	return cloneProposal(p), nil
}

// Activate moves a draft (or already active) proposal to active.
func (e *Engine) Activate(id string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.findLocked(id)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status == StatusCancelled || p.Status == StatusClosed {
		return Proposal{}, fmt.Errorf("cannot activate %s proposal %s: %w", p.Status, id, ErrInvalidTransition)
	}
	p.Status = StatusActive
	p.UpdatedAt = e.now()
	return cloneProposal(p), nil
}

// Cancel marks a proposal cancelled. Closed proposals cannot be cancelled.
func (e *Engine) Cancel(id string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.findLocked(id)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status == StatusClosed {
		return Proposal{}, fmt.Errorf("cannot cancel closed proposal %s: %w", id, ErrInvalidTransition)
	}
	p.Status = StatusCancelled
	p.UpdatedAt = e.now()
	return cloneProposal(p), nil
}

// Vote records a vote on an active proposal. An earlier vote by the same
// voter is replaced; only the latest counts.
func (e *Engine) Vote(proposalID string, vote VoteInput) (VoteRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.findLocked(proposalID)
	if err != nil {
		return VoteRecord{}, err
	}
	if p.Status != StatusActive {
		return VoteRecord{}, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalNotActive)
	}
	if !hasOption(p, vote.Choice) {
		return VoteRecord{}, fmt.Errorf("option %s on proposal %s: %w", vote.Choice, proposalID, ErrInvalidOption)
	}
	if vote.Voter == "" {
		return VoteRecord{}, fmt.Errorf("voter is required: %w", ErrInvalidVote)
	}
	weight := economy.NewAmount(1)
	if vote.Weight != nil {
		weight = *vote.Weight
	}
	if weight.Sign() <= 0 {
		return VoteRecord{}, fmt.Errorf("weight must be positive: %w", ErrInvalidVote)
	}

	for i, existing := range p.Votes {
		if existing.Voter == vote.Voter {
			p.Votes = append(p.Votes[:i], p.Votes[i+1:]...)
			break
		}
	}

	ts := vote.Timestamp
	if ts == 0 {
		ts = e.now()
	}
	record := VoteRecord{
		ProposalID:    proposalID,
		Voter:         vote.Voter,
		Choice:        vote.Choice,
		Weight:        weight,
		Justification: vote.Justification,
		Metadata:      cloneMeta(vote.Metadata),
		Timestamp:     ts,
	}
	p.Votes = append(p.Votes, record)
	p.UpdatedAt = e.now()
	return record, nil
}

// Close transitions an active or draft proposal to closed and computes
// the outcome once. Closing an already closed proposal returns the
// recorded outcome unchanged.
func (e *Engine) Close(id string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.findLocked(id)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status == StatusCancelled {
		return Proposal{}, fmt.Errorf("cancelled proposal %s cannot be closed: %w", id, ErrInvalidTransition)
	}
	if p.Status == StatusClosed {
		return cloneProposal(p), nil
	}
	p.Status = StatusClosed
	outcome := e.computeOutcome(p)
	p.Outcome = &outcome
	p.UpdatedAt = outcome.ClosedAt
	return cloneProposal(p), nil
}

func (e *Engine) computeOutcome(p *Proposal) Outcome {
	tallies := make(map[string]economy.Amount, len(p.Options))
	for _, option := range p.Options {
		tallies[option.ID] = economy.Amount{}
	}
	total := economy.Amount{}
	for _, vote := range p.Votes {
		weight := vote.Weight
		if weight.Sign() < 0 {
			weight = economy.Amount{}
		}
		tallies[vote.Choice] = tallies[vote.Choice].Add(weight)
		total = total.Add(weight)
	}

	winning := ""
	winningWeight := economy.Amount{}
	tie := false
	for _, option := range p.Options {
		weight := tallies[option.ID]
		switch {
		case weight.Cmp(winningWeight) > 0:
			winningWeight = weight
			winning = option.ID
			tie = false
		case weight.Cmp(winningWeight) == 0 && !weight.IsZero() && option.ID != winning:
			tie = true
		}
	}

	quorumReached := true
	if p.Quorum != nil && !p.Quorum.IsZero() {
		quorumReached = total.Cmp(*p.Quorum) >= 0
	}
	if !quorumReached || winningWeight.IsZero() || tie {
		winning = ""
	}

	return Outcome{
		WinningOptionID: winning,
		Tallies:         tallies,
		TotalWeight:     total,
		TotalVotes:      len(p.Votes),
		Tie:             tie,
		QuorumReached:   quorumReached,
		ClosedAt:        e.now(),
	}
}

// Get returns a copy of one proposal.
func (e *Engine) Get(id string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.findLocked(id)
	if err != nil {
		return Proposal{}, err
	}
	return cloneProposal(p), nil
}

// List returns copies of proposals sorted by creation time. An empty
// status matches all proposals.
func (e *Engine) List(status Status) []Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Proposal, 0, len(e.proposals))
	for _, p := range e.proposals {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, cloneProposal(p))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Export copies the whole proposal set for persistence.
func (e *Engine) Export() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := State{Proposals: make([]Proposal, 0, len(e.proposals))}
	for _, p := range e.proposals {
		state.Proposals = append(state.Proposals, cloneProposal(p))
	}
	return state
}

// Import replaces the proposal set with a previously exported state.
func (e *Engine) Import(state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proposals = make([]*Proposal, 0, len(state.Proposals))
	for i := range state.Proposals {
		p := cloneProposal(&state.Proposals[i])
		e.proposals = append(e.proposals, &p)
	}
}

// Reset drops every proposal.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proposals = nil
}

func hasOption(p *Proposal, optionID string) bool {
	for _, option := range p.Options {
		if option.ID == optionID {
			return true
		}
	}
	return false
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAmount(a *economy.Amount) *economy.Amount {
	if a == nil {
		return nil
	}
	v := *a
	return &v
}

func cloneProposal(p *Proposal) Proposal {
	out := *p
	out.Options = make([]Option, len(p.Options))
	for i, option := range p.Options {
		out.Options[i] = option
		out.Options[i].Metadata = cloneMeta(option.Metadata)
	}
	out.Votes = make([]VoteRecord, len(p.Votes))
	for i, vote := range p.Votes {
		out.Votes[i] = vote
		out.Votes[i].Metadata = cloneMeta(vote.Metadata)
	}
	if p.Outcome != nil {
		outcome := *p.Outcome
		outcome.Tallies = make(map[string]economy.Amount, len(p.Outcome.Tallies))
		for k, v := range p.Outcome.Tallies {
			outcome.Tallies[k] = v
		}
		out.Outcome = &outcome
	}
	out.Metadata = cloneMeta(p.Metadata)
	out.Quorum = cloneAmount(p.Quorum)
	out.Tags = append([]string(nil), p.Tags...)
	return out
}
