package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/msrovani/befree/pkg/ai"
	"github.com/msrovani/befree/pkg/automation"
	"github.com/msrovani/befree/pkg/canonicalize"
	"github.com/msrovani/befree/pkg/content"
	"github.com/msrovani/befree/pkg/economy"
	"github.com/msrovani/befree/pkg/identity"
	"github.com/msrovani/befree/pkg/p2p"
	"github.com/msrovani/befree/pkg/reputation"
)

const (
	defaultSummarySentences = 3
	defaultKeywordCount     = 8
	defaultFeedPageSize     = 50

	// rewardWeightUnit converts a credit amount into reputation weight.
	rewardWeightUnit = 1_000_000
)

// ErrInvalidEnvelope reports a broadcast payload that does not decode
// into an envelope.
var ErrInvalidEnvelope = errors.New("invalid content envelope")

// IngestStatus classifies the outcome of IngestContent.
type IngestStatus string

const (
	StatusAccepted  IngestStatus = "accepted"
	StatusDuplicate IngestStatus = "duplicate"
	StatusInvalid   IngestStatus = "invalid"
)

// PublishOptions tunes a single publication.
type PublishOptions struct {
	// RewardTo names the reward recipient. Empty with a configured
	// default reward rewards the author's own wallet.
	RewardTo     string
	RewardAmount *economy.Amount
	RewardMemo   string
	// SkipReward suppresses the node-level default reward for this
	// publication.
	SkipReward bool
}

type feedSyncRequest struct {
	Since int64 `json:"since"`
	Limit int   `json:"limit"`
}

type feedSyncResponse struct {
	Entries       []content.Envelope `json:"entries"`
	LastTimestamp int64              `json:"lastTimestamp"`
}

// SyncOptions tunes SyncFeed. Zero values mean "since the last sync"
// and the default page size.
type SyncOptions struct {
	Since *int64
	Limit int
}

// PublishContent runs the full publication pipeline: classification,
// moderation, summarization, optional treasury reward, signing, feed
// append, broadcast and reputation credit. The reward receipt is part
// of the signed region, so it is issued before signing.
func (o *Orchestrator) PublishContent(ctx context.Context, manifest content.Manifest, body string, opts PublishOptions) (content.Envelope, error) {
	if err := o.ensureStarted(ctx); err != nil {
		return content.Envelope{}, err
	}
	o.beginOp()
	defer o.endOp()
	done := o.track(ctx, "orchestrator.publish")

	var envelope content.Envelope
	err := o.telemetry.Time("publish", func() error {
		var err error
		envelope, err = o.publish(manifest, body, opts)
		return err
	})
	done(err)
	if err != nil {
		return content.Envelope{}, err
	}

	o.mu.Lock()
	node := o.node
	o.mu.Unlock()
	if node != nil {
		node.Broadcast("content:new", envelope)
	}
	o.telemetry.Increment("content.published", 1)
	o.automation.Handle(automation.Event{
		Type:    automation.EventContentPublished,
		Payload: map[string]any{"envelope": envelope},
	})
	o.persist()
	return envelope, nil
}

func (o *Orchestrator) publish(manifest content.Manifest, body string, opts PublishOptions) (content.Envelope, error) {
	result := content.Result{
		Selo:       content.Classify(manifest),
		Moderation: content.Moderate(manifest),
		Summary:    ai.Summarize(body, defaultSummarySentences),
		Keywords:   ai.ExtractKeywords(body, defaultKeywordCount),
		Intent:     ai.DetectIntent(body),
	}

	reward, err := o.issueReward(opts)
	if err != nil {
		return content.Envelope{}, fmt.Errorf("reward issuance: %w", err)
	}
	result.Reward = reward

	timestamp := time.Now().UnixMilli()
	payload := content.SigningPayload{
		Manifest:  manifest,
		Body:      body,
		Result:    result,
		Timestamp: timestamp,
	}
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return content.Envelope{}, fmt.Errorf("canonicalize signing payload: %w", err)
	}

	envelope := content.Envelope{
		Manifest:  manifest,
		Body:      body,
		Result:    result,
		Timestamp: timestamp,
		Author:    o.Author(),
		Signature: o.identity.SignBase64(canonical),
	}

	o.mu.Lock()
	o.seen[envelope.Signature] = struct{}{}
	o.publishedFeed = append(o.publishedFeed, envelope)
	o.mu.Unlock()

	o.creditPublication(envelope, reward)
	o.logger.Info("content published",
		"selo", result.Selo,
		"intent", result.Intent,
		"rewarded", reward != nil,
	)
	return envelope, nil
}

// issueReward pays the publication reward from the treasury. Returns
// nil when neither the options nor the node configure one.
func (o *Orchestrator) issueReward(opts PublishOptions) (*economy.TransferReceipt, error) {
	if opts.SkipReward {
		return nil, nil
	}
	amount := opts.RewardAmount
	if amount == nil {
		amount = o.opts.DefaultReward
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil
	}
	recipient := opts.RewardTo
	if recipient == "" {
		recipient = o.identity.DID
	}
	memo := opts.RewardMemo
	if memo == "" {
		memo = o.opts.RewardMemo
	}
	if memo == "" {
		memo = "content reward"
	}
	receipt, err := o.ledger.PayFromTreasury(recipient, *amount, memo)
	if err != nil {
		return nil, err
	}
	o.telemetry.Increment("rewards.issued", 1)
	o.automation.Handle(automation.Event{
		Type:    automation.EventLedgerTransfer,
		Payload: map[string]any{"receipt": receipt},
	})
	return &receipt, nil
}

// creditPublication records the author's content event and, when a
// reward was issued, the recipient's economy event.
func (o *Orchestrator) creditPublication(envelope content.Envelope, reward *economy.TransferReceipt) {
	weight := 1.0
	if reward != nil {
		bump := reward.Amount.Float64() / rewardWeightUnit
		if bump < 0.25 {
			bump = 0.25
		}
		weight += bump
	}
	o.recordReputation(reputation.Event{
		DID:      envelope.Author.DID,
		Category: reputation.CategoryContent,
		Weight:   weight,
		Metadata: map[string]any{
			"selo":     string(envelope.Result.Selo),
			"keywords": envelope.Result.Keywords,
		},
	})
	if reward != nil {
		economyWeight := reward.Amount.Float64() / rewardWeightUnit
		if economyWeight < 0.5 {
			economyWeight = 0.5
		}
		o.recordReputation(reputation.Event{
			DID:      reward.To,
			Category: reputation.CategoryEconomy,
			Weight:   economyWeight,
			Metadata: map[string]any{"tx": reward.Tx},
		})
	}
}

func (o *Orchestrator) recordReputation(event reputation.Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	o.reputation.Record(event)
	o.automation.Handle(automation.Event{
		Type:    automation.EventReputation,
		Payload: map[string]any{"event": event},
	})
}

// IngestContent verifies and accepts one peer envelope. Duplicates and
// invalid signatures leave the node state untouched.
func (o *Orchestrator) IngestContent(ctx context.Context, envelope content.Envelope, sourcePeer string) (IngestStatus, error) {
	if err := o.ensureStarted(ctx); err != nil {
		return "", err
	}
	done := o.track(ctx, "orchestrator.ingest")

	var status IngestStatus
	err := o.telemetry.Time("ingest", func() error {
		status = o.ingest(envelope, sourcePeer)
		return nil
	})
	done(err)
	return status, err
}

func (o *Orchestrator) ingest(envelope content.Envelope, sourcePeer string) IngestStatus {
	o.mu.Lock()
	_, dup := o.seen[envelope.Signature]
	o.mu.Unlock()
	if dup {
		o.telemetry.Increment("content.duplicates", 1)
		return StatusDuplicate
	}

	canonical, err := canonicalize.JCS(envelope.Payload())
	if err != nil || !identity.VerifyBase64(canonical, envelope.Signature, envelope.Author.PublicKey) {
		o.telemetry.Increment("content.invalid", 1)
		o.logger.Warn("rejected envelope with bad signature",
			"author", envelope.Author.DID,
			"source", sourcePeer,
		)
		o.automation.Handle(automation.Event{
			Type:    automation.EventContentInvalid,
			Payload: map[string]any{"envelope": envelope, "sourcePeer": sourcePeer},
		})
		return StatusInvalid
	}

	entry := content.InboxEntry{
		Envelope:   envelope,
		ReceivedAt: time.Now().UnixMilli(),
		SourcePeer: sourcePeer,
	}
	o.mu.Lock()
	o.seen[envelope.Signature] = struct{}{}
	o.inbox = append(o.inbox, entry)
	if envelope.Timestamp > o.lastSyncedAt {
		o.lastSyncedAt = envelope.Timestamp
	}
	o.mu.Unlock()

	o.recordReputation(reputation.Event{
		DID:      envelope.Author.DID,
		Category: reputation.CategorySocial,
		Weight:   0.75,
		Metadata: map[string]any{"selo": string(envelope.Result.Selo)},
	})
	o.telemetry.Increment("content.received", 1)
	o.automation.Handle(automation.Event{
		Type:    automation.EventContentReceived,
		Payload: map[string]any{"entry": entry},
	})
	o.persist()
	return StatusAccepted
}

// answerFeedRequest serves a peer's catch-up request with the published
// entries newer than its cursor, oldest first.
func (o *Orchestrator) answerFeedRequest(node *p2p.Node, msg p2p.Message) {
	var req feedSyncRequest
	if raw, err := json.Marshal(msg.Payload); err == nil {
		_ = json.Unmarshal(raw, &req)
	}
	if req.Limit == 0 {
		req.Limit = defaultFeedPageSize
	}

	o.mu.Lock()
	feed := append([]content.Envelope(nil), o.publishedFeed...)
	o.mu.Unlock()
	sort.SliceStable(feed, func(i, j int) bool { return feed[i].Timestamp < feed[j].Timestamp })

	entries := make([]content.Envelope, 0, len(feed))
	for _, envelope := range feed {
		if envelope.Timestamp > req.Since {
			entries = append(entries, envelope)
		}
	}
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[len(entries)-req.Limit:]
	}

	last := req.Since
	if len(entries) > 0 {
		last = entries[len(entries)-1].Timestamp
	}
	node.Respond(msg, feedSyncResponse{Entries: entries, LastTimestamp: last})
	o.telemetry.Increment("feed.requests.served", 1)
}

// SyncFeed asks a random peer for entries newer than the local cursor
// and ingests the fresh ones. Entries authored by this node or already
// seen are skipped. Returns the newly accepted envelopes.
func (o *Orchestrator) SyncFeed(ctx context.Context, opts SyncOptions) ([]content.Envelope, error) {
	if err := o.ensureStarted(ctx); err != nil {
		return nil, err
	}
	o.beginOp()
	defer o.endOp()
	done := o.track(ctx, "orchestrator.sync")

	var accepted []content.Envelope
	err := o.telemetry.Time("sync", func() error {
		var err error
		accepted, err = o.syncFeed(ctx, opts)
		return err
	})
	done(err)
	return accepted, err
}

func (o *Orchestrator) syncFeed(ctx context.Context, opts SyncOptions) ([]content.Envelope, error) {
	o.mu.Lock()
	since := o.lastSyncedAt
	node := o.node
	o.mu.Unlock()
	if node == nil {
		return nil, p2p.ErrNotStarted
	}
	if opts.Since != nil {
		since = *opts.Since
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultFeedPageSize
	}

	reply, err := node.Request(ctx, "content:feed:request", feedSyncRequest{Since: since, Limit: limit})
	if err != nil {
		o.telemetry.RecordEvent("sync:failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("feed request: %w", err)
	}

	var payload feedSyncResponse
	switch v := reply.Payload.(type) {
	case feedSyncResponse:
		payload = v
	default:
		raw, err := json.Marshal(reply.Payload)
		if err == nil {
			err = json.Unmarshal(raw, &payload)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: feed response", ErrInvalidEnvelope)
		}
	}

	accepted := make([]content.Envelope, 0, len(payload.Entries))
	for _, envelope := range payload.Entries {
		if envelope.Author.DID == o.identity.DID {
			continue
		}
		o.mu.Lock()
		_, dup := o.seen[envelope.Signature]
		o.mu.Unlock()
		if dup {
			continue
		}
		if status := o.ingest(envelope, reply.From); status == StatusAccepted {
			accepted = append(accepted, envelope)
		}
	}

	o.mu.Lock()
	if payload.LastTimestamp > o.lastSyncedAt {
		o.lastSyncedAt = payload.LastTimestamp
	}
	o.mu.Unlock()

	o.telemetry.Increment("feed.syncs", 1)
	o.logger.Info("feed synced", "accepted", len(accepted), "cursor", payload.LastTimestamp)
	return accepted, nil
}

// PublishedFeed returns the most recent published envelopes, oldest
// first. A non-positive limit returns everything.
func (o *Orchestrator) PublishedFeed(limit int) []content.Envelope {
	o.mu.Lock()
	feed := append([]content.Envelope(nil), o.publishedFeed...)
	o.mu.Unlock()
	sort.SliceStable(feed, func(i, j int) bool { return feed[i].Timestamp < feed[j].Timestamp })
	if limit > 0 && len(feed) > limit {
		feed = feed[len(feed)-limit:]
	}
	return feed
}

// InboxOptions filters Inbox.
type InboxOptions struct {
	Since int64
	Limit int
}

// Inbox returns received entries newer than Since, oldest first,
// capped at Limit when positive.
func (o *Orchestrator) Inbox(opts InboxOptions) []content.InboxEntry {
	o.mu.Lock()
	entries := append([]content.InboxEntry(nil), o.inbox...)
	o.mu.Unlock()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Envelope.Timestamp < entries[j].Envelope.Timestamp
	})
	filtered := entries[:0]
	for _, entry := range entries {
		if entry.Envelope.Timestamp > opts.Since {
			filtered = append(filtered, entry)
		}
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[len(filtered)-opts.Limit:]
	}
	return append([]content.InboxEntry(nil), filtered...)
}

// ClearInbox removes entries matching the predicate, or everything when
// the predicate is nil. Returns the number removed.
func (o *Orchestrator) ClearInbox(predicate func(content.InboxEntry) bool) int {
	o.mu.Lock()
	before := len(o.inbox)
	if predicate == nil {
		o.inbox = nil
	} else {
		kept := o.inbox[:0]
		for _, entry := range o.inbox {
			if !predicate(entry) {
				kept = append(kept, entry)
			}
		}
		o.inbox = kept
	}
	removed := before - len(o.inbox)
	o.mu.Unlock()
	if removed > 0 {
		o.persist()
	}
	return removed
}

// LastSyncedAt reports the feed sync cursor.
func (o *Orchestrator) LastSyncedAt() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSyncedAt
}

// decodeEnvelope accepts either an in-process envelope value or a
// JSON-shaped map from a forged broadcast.
func decodeEnvelope(payload any) (content.Envelope, error) {
	switch v := payload.(type) {
	case content.Envelope:
		return v, nil
	case *content.Envelope:
		if v == nil {
			return content.Envelope{}, ErrInvalidEnvelope
		}
		return *v, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return content.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		var envelope content.Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return content.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		if envelope.Signature == "" {
			return content.Envelope{}, ErrInvalidEnvelope
		}
		return envelope, nil
	}
}
