package content

import (
	"github.com/msrovani/befree/pkg/ai"
	"github.com/msrovani/befree/pkg/economy"
)

// Author is the wire descriptor of an envelope's signer.
type Author struct {
	DID       string `json:"did"`
	PublicKey string `json:"publicKey"`
	Wallet    string `json:"wallet"`
	Label     string `json:"label,omitempty"`
}

// Result carries the processing outputs attached at publication time.
type Result struct {
	Selo       Selo                     `json:"selo"`
	Moderation []Flag                   `json:"moderation"`
	Summary    string                   `json:"summary"`
	Keywords   []string                 `json:"keywords"`
	Intent     ai.Intent                `json:"intent"`
	Reward     *economy.TransferReceipt `json:"reward,omitempty"`
}

// Envelope is the signed wire and persisted form of published content.
type Envelope struct {
	Manifest  Manifest `json:"manifest"`
	Body      string   `json:"body"`
	Result    Result   `json:"result"`
	Timestamp int64    `json:"timestamp"`
	Author    Author   `json:"author"`
	Signature string   `json:"signature"`
}

// SigningPayload is the subset of an envelope covered by its signature.
// Canonical bytes over this value are signed and verified; author and
// signature stay outside the signed region.
type SigningPayload struct {
	Manifest  Manifest `json:"manifest"`
	Body      string   `json:"body"`
	Result    Result   `json:"result"`
	Timestamp int64    `json:"timestamp"`
}

// Payload extracts the signed region of an envelope.
func (e Envelope) Payload() SigningPayload {
	return SigningPayload{
		Manifest:  e.Manifest,
		Body:      e.Body,
		Result:    e.Result,
		Timestamp: e.Timestamp,
	}
}

// InboxEntry wraps a received envelope with local delivery metadata.
type InboxEntry struct {
	Envelope   Envelope `json:"envelope"`
	ReceivedAt int64    `json:"receivedAt"`
	SourcePeer string   `json:"sourcePeer,omitempty"`
}
