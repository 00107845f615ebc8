package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/msrovani/befree/pkg/ai"
	"github.com/msrovani/befree/pkg/analytics"
	"github.com/msrovani/befree/pkg/canonicalize"
	"github.com/msrovani/befree/pkg/content"
	"github.com/msrovani/befree/pkg/economy"
	"github.com/msrovani/befree/pkg/governance"
	"github.com/msrovani/befree/pkg/identity"
	"github.com/msrovani/befree/pkg/orchestrator"
)

// Stats counts step outcomes over one run.
type Stats struct {
	Published  int `json:"published"`
	Ingested   int `json:"ingested"`
	Rejected   int `json:"rejected"`
	Proposals  int `json:"proposals"`
	Votes      int `json:"votes"`
	Closes     int `json:"closes"`
	Digests    int `json:"digests"`
	Snapshots  int `json:"snapshots"`
	Assistance int `json:"assistance"`
	Syncs      int `json:"syncs"`
	Transfers  int `json:"transfers"`
	Waits      int `json:"waits"`
	Errors     int `json:"errors"`
}

// StepLog records one executed step.
type StepLog struct {
	Index     int    `json:"index"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// Report is the outcome of one scenario run.
type Report struct {
	Scenario   string                 `json:"scenario"`
	StartedAt  int64                  `json:"startedAt"`
	FinishedAt int64                  `json:"finishedAt"`
	Stats      Stats                  `json:"stats"`
	Steps      []StepLog              `json:"steps"`
	Digest     *analytics.Digest      `json:"digest,omitempty"`
	Snapshot   *orchestrator.Snapshot `json:"snapshot,omitempty"`
}

// Runner executes scenarios against one orchestrator node. Step errors
// are counted and logged, never fatal; only context cancellation aborts
// a run.
type Runner struct {
	node     *orchestrator.Orchestrator
	logger   *slog.Logger
	personas map[string]*identity.Identity

	lastProposal string
}

// NewRunner wires a runner to the node under simulation.
func NewRunner(node *orchestrator.Orchestrator, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default().With("component", "simulation")
	}
	return &Runner{
		node:     node,
		logger:   logger,
		personas: make(map[string]*identity.Identity),
	}
}

// Run executes every step in order and returns the collected report.
func (r *Runner) Run(ctx context.Context, scenario Scenario) (Report, error) {
	if err := r.node.Start(ctx); err != nil {
		return Report{}, fmt.Errorf("start node: %w", err)
	}
	if err := r.materializePersonas(scenario.Participants); err != nil {
		return Report{}, err
	}

	report := Report{
		Scenario:  scenario.Name,
		StartedAt: time.Now().UnixMilli(),
		Steps:     make([]StepLog, 0, len(scenario.Steps)),
	}
	r.logger.Info("scenario started", "name", scenario.Name, "steps", len(scenario.Steps))

	for i, step := range scenario.Steps {
		if err := r.pause(ctx, scaleDelay(step.DelayMs, scenario.Speed)); err != nil {
			report.FinishedAt = time.Now().UnixMilli()
			return report, err
		}

		started := time.Now()
		detail, err := r.execute(ctx, step, &report)
		entry := StepLog{
			Index:     i,
			Action:    step.Action,
			Detail:    detail,
			ElapsedMs: time.Since(started).Milliseconds(),
		}
		if err != nil {
			if ctx.Err() != nil {
				report.FinishedAt = time.Now().UnixMilli()
				return report, ctx.Err()
			}
			entry.Error = err.Error()
			report.Stats.Errors++
			r.logger.Warn("step failed", "index", i, "action", step.Action, "error", err)
		}
		report.Steps = append(report.Steps, entry)
	}

	report.FinishedAt = time.Now().UnixMilli()
	r.logger.Info("scenario finished",
		"name", scenario.Name,
		"errors", report.Stats.Errors,
		"published", report.Stats.Published,
		"ingested", report.Stats.Ingested,
	)
	return report, nil
}

func (r *Runner) materializePersonas(participants []Participant) error {
	for _, p := range participants {
		if _, ok := r.personas[p.ID]; ok {
			continue
		}
		persona, err := identity.New(p.Label)
		if err != nil {
			return fmt.Errorf("forge persona %q: %w", p.ID, err)
		}
		r.personas[p.ID] = persona
	}
	return nil
}

func (r *Runner) pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func scaleDelay(ms int64, speed float64) time.Duration {
	if ms <= 0 {
		return 0
	}
	if speed <= 0 {
		speed = 1
	}
	return time.Duration(float64(ms)/speed) * time.Millisecond
}

func (r *Runner) execute(ctx context.Context, step Step, report *Report) (string, error) {
	switch step.Action {
	case "publish":
		return r.runPublish(ctx, step, report)
	case "ingest":
		return r.runIngest(ctx, step, report)
	case "proposal":
		return r.runProposal(ctx, step, report)
	case "vote":
		return r.runVote(ctx, step, report)
	case "close":
		return r.runClose(ctx, step, report)
	case "digest":
		digest := r.node.GenerateDigest(analytics.Options{})
		report.Digest = &digest
		report.Stats.Digests++
		return fmt.Sprintf("%d tags, %d authors", len(digest.Tags), len(digest.Authors)), nil
	case "snapshot":
		snapshot := r.node.Snapshot()
		report.Snapshot = &snapshot
		report.Stats.Snapshots++
		return fmt.Sprintf("%d published, %d inbox", len(snapshot.Published), len(snapshot.Inbox)), nil
	case "sync":
		accepted, err := r.node.SyncFeed(ctx, orchestrator.SyncOptions{Limit: step.Limit})
		if err != nil {
			return "", err
		}
		report.Stats.Syncs++
		return fmt.Sprintf("%d accepted", len(accepted)), nil
	case "assistance":
		result := r.node.RequestAssistance(step.Text)
		report.Stats.Assistance++
		return string(result.Intent), nil
	case "transfer":
		return r.runTransfer(ctx, step, report)
	case "wait":
		if err := r.pause(ctx, time.Duration(step.DurationMs)*time.Millisecond); err != nil {
			return "", err
		}
		report.Stats.Waits++
		return "", nil
	default:
		return "", fmt.Errorf("unknown action %q", step.Action)
	}
}

func (r *Runner) runPublish(ctx context.Context, step Step, report *Report) (string, error) {
	opts := orchestrator.PublishOptions{}
	if step.Reward != "" {
		amount, err := economy.ParseAmount(step.Reward)
		if err != nil {
			return "", err
		}
		opts.RewardAmount = &amount
	}
	envelope, err := r.node.PublishContent(ctx, content.Manifest{
		Title: step.Title,
		Tags:  step.Tags,
	}, step.Body, opts)
	if err != nil {
		return "", err
	}
	report.Stats.Published++
	return string(envelope.Result.Selo), nil
}

func (r *Runner) runIngest(ctx context.Context, step Step, report *Report) (string, error) {
	persona, ok := r.personas[step.Participant]
	if !ok {
		return "", fmt.Errorf("unknown participant %q", step.Participant)
	}
	envelope, err := forgeEnvelope(persona, content.Manifest{Title: step.Title, Tags: step.Tags}, step.Body)
	if err != nil {
		return "", err
	}
	if step.Tamper {
		envelope.Body += " [corrupted in transit]"
	}
	status, err := r.node.IngestContent(ctx, envelope, "simulation:"+step.Participant)
	if err != nil {
		return "", err
	}
	switch status {
	case orchestrator.StatusAccepted:
		report.Stats.Ingested++
	case orchestrator.StatusInvalid:
		report.Stats.Rejected++
	}
	return string(status), nil
}

func (r *Runner) runProposal(ctx context.Context, step Step, report *Report) (string, error) {
	options := make([]governance.OptionInput, 0, len(step.Options))
	for _, label := range step.Options {
		options = append(options, governance.OptionInput{Label: label})
	}
	proposal, err := r.node.CreateProposal(ctx, governance.Draft{
		Title:   step.Title,
		Options: options,
		Tags:    step.Tags,
	})
	if err != nil {
		return "", err
	}
	r.lastProposal = proposal.ID
	report.Stats.Proposals++

	if step.Activate || step.AutoVote {
		if _, err := r.node.ActivateProposal(ctx, proposal.ID); err != nil {
			return proposal.ID, err
		}
	}
	if step.AutoVote {
		for i, persona := range r.personaList() {
			choice := proposal.Options[i%len(proposal.Options)].ID
			_, err := r.node.VoteOnProposal(ctx, proposal.ID, governance.VoteInput{
				Voter:  persona.DID,
				Choice: choice,
			})
			if err != nil {
				return proposal.ID, err
			}
			report.Stats.Votes++
		}
	}
	return proposal.ID, nil
}

// personaList returns personas in a stable order so auto-votes land on
// the same options run after run.
func (r *Runner) personaList() []*identity.Identity {
	ids := make([]string, 0, len(r.personas))
	for id := range r.personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*identity.Identity, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.personas[id])
	}
	return out
}

func (r *Runner) runVote(ctx context.Context, step Step, report *Report) (string, error) {
	proposalID := step.Proposal
	if proposalID == "" {
		proposalID = r.lastProposal
	}
	if proposalID == "" {
		return "", fmt.Errorf("no proposal to vote on")
	}
	choice := step.Choice
	if choice == "" {
		proposal, err := r.node.Proposal(proposalID)
		if err != nil {
			return "", err
		}
		if step.ChoiceIndex >= len(proposal.Options) {
			return "", fmt.Errorf("choice index %d out of range", step.ChoiceIndex)
		}
		choice = proposal.Options[step.ChoiceIndex].ID
	}

	vote := governance.VoteInput{Choice: choice}
	if step.Participant != "" {
		persona, ok := r.personas[step.Participant]
		if !ok {
			return "", fmt.Errorf("unknown participant %q", step.Participant)
		}
		vote.Voter = persona.DID
	}
	record, err := r.node.VoteOnProposal(ctx, proposalID, vote)
	if err != nil {
		return "", err
	}
	report.Stats.Votes++
	return record.Choice, nil
}

func (r *Runner) runClose(ctx context.Context, step Step, report *Report) (string, error) {
	proposalID := step.Proposal
	if proposalID == "" {
		proposalID = r.lastProposal
	}
	if proposalID == "" {
		return "", fmt.Errorf("no proposal to close")
	}
	proposal, err := r.node.CloseProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	report.Stats.Closes++
	if proposal.Outcome == nil || proposal.Outcome.WinningOptionID == "" {
		return "no winner", nil
	}
	return proposal.Outcome.WinningOptionID, nil
}

func (r *Runner) runTransfer(ctx context.Context, step Step, report *Report) (string, error) {
	amount, err := economy.ParseAmount(step.Amount)
	if err != nil {
		return "", err
	}
	recipient := step.To
	if persona, ok := r.personas[recipient]; ok {
		recipient = persona.DID
	}
	var receipt economy.TransferReceipt
	if step.Treasury {
		receipt, err = r.node.Reward(ctx, recipient, amount, step.Memo)
	} else {
		receipt, err = r.node.Transfer(ctx, recipient, amount, step.Memo)
	}
	if err != nil {
		return "", err
	}
	report.Stats.Transfers++
	return receipt.Tx, nil
}

// forgeEnvelope builds and signs an envelope on behalf of a simulated
// persona, running the same text intelligence the node applies to its
// own publications.
func forgeEnvelope(persona *identity.Identity, manifest content.Manifest, body string) (content.Envelope, error) {
	result := content.Result{
		Selo:       content.Classify(manifest),
		Moderation: content.Moderate(manifest),
		Summary:    ai.Summarize(body, 3),
		Keywords:   ai.ExtractKeywords(body, 8),
		Intent:     ai.DetectIntent(body),
	}
	timestamp := time.Now().UnixMilli()
	canonical, err := canonicalize.JCS(content.SigningPayload{
		Manifest:  manifest,
		Body:      body,
		Result:    result,
		Timestamp: timestamp,
	})
	if err != nil {
		return content.Envelope{}, fmt.Errorf("canonicalize forged payload: %w", err)
	}
	return content.Envelope{
		Manifest:  manifest,
		Body:      body,
		Result:    result,
		Timestamp: timestamp,
		Author: content.Author{
			DID:       persona.DID,
			PublicKey: persona.PublicKey,
			Wallet:    persona.Wallet,
			Label:     persona.Label,
		},
		Signature: persona.SignBase64(canonical),
	}, nil
}
