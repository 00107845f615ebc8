// Package simulation drives a scripted community lifecycle against an
// orchestrator node: forged peer personas publish signed content, open
// proposals, vote, transfer credits and request digests, with every
// step outcome collected into a report.
package simulation

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalidScenario reports a scenario that fails schema validation.
var ErrInvalidScenario = errors.New("invalid scenario")

// Participant is a simulated community member with its own signing
// identity, distinct from the orchestrator node under test.
type Participant struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Step is one scripted action. Which fields apply depends on Action.
type Step struct {
	Action  string `yaml:"action" json:"action"`
	DelayMs int64  `yaml:"delayMs,omitempty" json:"delayMs,omitempty"`

	// publish and ingest
	Title  string   `yaml:"title,omitempty" json:"title,omitempty"`
	Body   string   `yaml:"body,omitempty" json:"body,omitempty"`
	Tags   []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Reward string   `yaml:"reward,omitempty" json:"reward,omitempty"`
	// Tamper corrupts the forged envelope's body after signing, so the
	// node must reject it.
	Tamper bool `yaml:"tamper,omitempty" json:"tamper,omitempty"`

	// Participant names the acting persona for ingest, vote and
	// transfer steps.
	Participant string `yaml:"participant,omitempty" json:"participant,omitempty"`

	// proposal
	Options  []string `yaml:"options,omitempty" json:"options,omitempty"`
	Activate bool     `yaml:"activate,omitempty" json:"activate,omitempty"`
	// AutoVote has every participant vote round-robin across the
	// options. Implies Activate.
	AutoVote bool `yaml:"autoVote,omitempty" json:"autoVote,omitempty"`

	// vote and close; an empty Proposal targets the latest one.
	Proposal    string `yaml:"proposal,omitempty" json:"proposal,omitempty"`
	Choice      string `yaml:"choice,omitempty" json:"choice,omitempty"`
	ChoiceIndex int    `yaml:"choiceIndex,omitempty" json:"choiceIndex,omitempty"`

	// transfer
	To       string `yaml:"to,omitempty" json:"to,omitempty"`
	Amount   string `yaml:"amount,omitempty" json:"amount,omitempty"`
	Memo     string `yaml:"memo,omitempty" json:"memo,omitempty"`
	Treasury bool   `yaml:"treasury,omitempty" json:"treasury,omitempty"`

	// sync
	Limit int `yaml:"limit,omitempty" json:"limit,omitempty"`

	// assistance
	Text string `yaml:"text,omitempty" json:"text,omitempty"`

	// wait
	DurationMs int64 `yaml:"durationMs,omitempty" json:"durationMs,omitempty"`
}

// Scenario is a named script. Speed scales every delay: 2 halves them,
// 0.5 doubles them, unset runs them as written.
type Scenario struct {
	Name         string        `yaml:"name" json:"name"`
	Description  string        `yaml:"description,omitempty" json:"description,omitempty"`
	Speed        float64       `yaml:"speed,omitempty" json:"speed,omitempty"`
	Participants []Participant `yaml:"participants,omitempty" json:"participants,omitempty"`
	Steps        []Step        `yaml:"steps,omitempty" json:"steps,omitempty"`
}

const scenarioSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "speed": {"type": "number", "minimum": 0},
    "participants": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "label": {"type": "string"}
        }
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["action"],
        "properties": {
          "action": {
            "enum": [
              "publish", "ingest", "proposal", "vote", "close",
              "digest", "snapshot", "sync", "assistance", "transfer",
              "wait"
            ]
          },
          "delayMs": {"type": "integer", "minimum": 0},
          "durationMs": {"type": "integer", "minimum": 0},
          "choiceIndex": {"type": "integer", "minimum": 0},
          "limit": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("scenario.schema.json", scenarioSchema)

// ParseScenario decodes and validates a YAML scenario document.
func ParseScenario(data []byte) (Scenario, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}

	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := checkReferences(scenario); err != nil {
		return Scenario{}, err
	}
	return scenario, nil
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// checkReferences verifies that every step naming a participant names a
// declared one.
func checkReferences(scenario Scenario) error {
	known := make(map[string]struct{}, len(scenario.Participants))
	for _, p := range scenario.Participants {
		known[p.ID] = struct{}{}
	}
	for i, step := range scenario.Steps {
		if step.Participant == "" {
			continue
		}
		if _, ok := known[step.Participant]; !ok {
			return fmt.Errorf("%w: step %d references unknown participant %q",
				ErrInvalidScenario, i, step.Participant)
		}
	}
	return nil
}

// SampleScenario is the built-in community cycle: two personas publish
// and vote, the node syncs, transfers credits and closes with a digest.
func SampleScenario() Scenario {
	return Scenario{
		Name:        "community-cycle",
		Description: "publish, govern, transfer and digest over one simulated day",
		Participants: []Participant{
			{ID: "ana", Label: "Ana"},
			{ID: "bruno", Label: "Bruno"},
		},
		Steps: []Step{
			{Action: "publish", Title: "Mutirão no jardim",
				Body: "Neighbours are invited to the community garden this Saturday. Bring tools and water.",
				Tags: []string{"garden", "community"}, Reward: "1500000"},
			{Action: "ingest", Participant: "ana", Title: "Feira de trocas",
				Body: "Ana is organizing a swap fair next week, clothes and books welcome.",
				Tags: []string{"fair"}},
			{Action: "ingest", Participant: "bruno", Title: "Aula de capoeira",
				Body: "Bruno offers a free capoeira class for beginners on Sunday morning.",
				Tags: []string{"sport"}},
			{Action: "ingest", Participant: "bruno", Title: "Spam",
				Body: "This envelope arrives corrupted and must be rejected.", Tamper: true},
			{Action: "proposal", Title: "Fund the garden",
				Options: []string{"approve", "reject"}, AutoVote: true},
			{Action: "vote", ChoiceIndex: 0},
			{Action: "close"},
			{Action: "transfer", To: "ana", Amount: "250000", Memo: "fair supplies", Treasury: true},
			{Action: "assistance", Text: "How can I help organize the next community event?"},
			{Action: "digest"},
			{Action: "snapshot"},
		},
	}
}

// SampleScenarioYAML renders the built-in scenario as a YAML document,
// handy as a starting point for custom scripts.
func SampleScenarioYAML() (string, error) {
	out, err := yaml.Marshal(SampleScenario())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)) + "\n", nil
}
