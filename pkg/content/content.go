// Package content implements rule-based provenance labeling (the "selo")
// and advisory moderation of content manifests.
package content

import (
	"fmt"
	"regexp"
	"strings"
)

// Selo is the provenance label assigned to a piece of content.
type Selo string

const (
	SeloProofOfCapture Selo = "proof_of_capture"
	SeloEdited         Selo = "edited"
	SeloAssistedAI     Selo = "assisted_ai"
	SeloGeneratedAI    Selo = "generated_ai"
	SeloRemix          Selo = "remix"
	SeloUnknown        Selo = "unknown"
)

// Evidence carries the capture and editing provenance of a manifest.
type Evidence struct {
	CameraMake   string `json:"cameraMake,omitempty"`
	CameraModel  string `json:"cameraModel,omitempty"`
	Hash         string `json:"hash,omitempty"`
	CreationUnix int64  `json:"creationUnix,omitempty"`
	EditUnix     int64  `json:"editUnix,omitempty"`
	EditSoftware string `json:"editSoftware,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	AIModel      string `json:"aiModel,omitempty"`
	RemixFrom    string `json:"remixFrom,omitempty"`
	VoiceClone   bool   `json:"voiceClone,omitempty"`
}

// Manifest describes a unit of content before publication.
type Manifest struct {
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	MimeType    string    `json:"mimeType,omitempty"`
	Language    string    `json:"language,omitempty"`
	SizeBytes   int64     `json:"sizeBytes,omitempty"`
	CID         string    `json:"cid,omitempty"`
	Evidence    *Evidence `json:"evidence,omitempty"`
}

// Severity grades a moderation flag.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Flag is an advisory moderation finding. Flags never block publication;
// the orchestrator fan-out decides policy.
type Flag struct {
	Reason   string   `json:"reason"`
	Severity Severity `json:"severity"`
	Evidence string   `json:"evidence,omitempty"`
}

var (
	aiHintWords     = []string{"ai", "stable diffusion", "midjourney", "chatgpt", "gpt", "llm"}
	editingSoftware = regexp.MustCompile(`(photoshop|premiere|final cut|after effects|davinci|audacity)`)
	sensitiveTerms  = []string{"violência", "hate", "terrorismo", "explosivos"}
)

// maxReplicableSize is the payload size above which replication across
// simulated peers is flagged as slow.
const maxReplicableSize = 1_000_000_000

func containsAIHints(m Manifest) bool {
	text := strings.ToLower(m.Title + " " + m.Description)
	tags := make(map[string]bool, len(m.Tags))
	for _, tag := range m.Tags {
		tags[strings.ToLower(tag)] = true
	}
	for _, word := range aiHintWords {
		if strings.Contains(text, word) || tags[word] {
			return true
		}
	}
	return false
}

func hasProofOfCapture(m Manifest) bool {
	ev := m.Evidence
	return ev != nil && ev.CameraMake != "" && ev.CameraModel != "" && ev.CreationUnix != 0
}

// Classify assigns a provenance label. Rule order is significant; the
// first matching rule wins: proof-of-capture, then remix, then AI
// (assisted vs generated), then edited, falling back to unknown.
func Classify(m Manifest) Selo {
	if hasProofOfCapture(m) {
		return SeloProofOfCapture
	}
	if m.Evidence != nil && m.Evidence.RemixFrom != "" {
		return SeloRemix
	}
	if (m.Evidence != nil && m.Evidence.AIModel != "") || containsAIHints(m) {
		if m.Evidence != nil && m.Evidence.EditUnix != 0 && m.Evidence.EditUnix != m.Evidence.CreationUnix {
			return SeloAssistedAI
		}
		return SeloGeneratedAI
	}
	if m.Evidence != nil && editingSoftware.MatchString(strings.ToLower(m.Evidence.EditSoftware)) {
		return SeloEdited
	}
	return SeloUnknown
}

// Moderate scans a manifest for advisory issues: sensitive terms in the
// title or description, oversized payloads, and a missing content id.
func Moderate(m Manifest) []Flag {
	var issues []Flag
	haystack := strings.ToLower(m.Title + " " + m.Description)
	for _, term := range sensitiveTerms {
		if strings.Contains(haystack, term) {
			issues = append(issues, Flag{
				Reason:   fmt.Sprintf("potentially sensitive content detected: %s", term),
				Severity: SeverityMedium,
			})
		}
	}
	if m.SizeBytes > maxReplicableSize {
		issues = append(issues, Flag{
			Reason:   "payload too large for fast replication",
			Severity: SeverityLow,
		})
	}
	if m.CID == "" {
		issues = append(issues, Flag{
			Reason:   "content-addressing id (CID) missing",
			Severity: SeverityHigh,
		})
	}
	return issues
}
