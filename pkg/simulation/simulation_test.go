package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msrovani/befree/pkg/orchestrator"
	"github.com/msrovani/befree/pkg/p2p"
	"github.com/msrovani/befree/pkg/store"
)

func newSimNode(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	node, err := orchestrator.New(orchestrator.Options{
		Network: p2p.NewNetwork(),
		Label:   "sim",
		Storage: store.NewMemoryStore(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	return node
}

func TestParseScenario(t *testing.T) {
	doc := []byte(`
name: smoke
participants:
  - id: ana
    label: Ana
steps:
  - action: publish
    title: hello
    body: first post
  - action: ingest
    participant: ana
    body: from ana
`)
	scenario, err := ParseScenario(doc)
	require.NoError(t, err)
	assert.Equal(t, "smoke", scenario.Name)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, "ana", scenario.Steps[1].Participant)
}

func TestParseScenarioRejectsUnknownAction(t *testing.T) {
	_, err := ParseScenario([]byte("name: bad\nsteps:\n  - action: explode\n"))
	assert.ErrorIs(t, err, ErrInvalidScenario)
}

func TestParseScenarioRequiresName(t *testing.T) {
	_, err := ParseScenario([]byte("steps:\n  - action: digest\n"))
	assert.ErrorIs(t, err, ErrInvalidScenario)
}

func TestParseScenarioRejectsUnknownParticipant(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: dangling
steps:
  - action: ingest
    participant: ghost
    body: hello
`))
	require.ErrorIs(t, err, ErrInvalidScenario)
	assert.Contains(t, err.Error(), "ghost")
}

func TestSampleScenarioYAMLRoundTrip(t *testing.T) {
	doc, err := SampleScenarioYAML()
	require.NoError(t, err)
	parsed, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, SampleScenario(), parsed)
}

func TestSampleScenarioRun(t *testing.T) {
	runner := NewRunner(newSimNode(t), nil)
	report, err := runner.Run(context.Background(), SampleScenario())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Stats.Errors)
	assert.Equal(t, 1, report.Stats.Published)
	assert.Equal(t, 2, report.Stats.Ingested)
	assert.Equal(t, 1, report.Stats.Rejected)
	assert.Equal(t, 1, report.Stats.Proposals)
	assert.Equal(t, 3, report.Stats.Votes)
	assert.Equal(t, 1, report.Stats.Closes)
	assert.Equal(t, 1, report.Stats.Transfers)
	assert.Equal(t, 1, report.Stats.Digests)
	assert.Equal(t, 1, report.Stats.Snapshots)
	assert.Equal(t, 1, report.Stats.Assistance)

	require.NotNil(t, report.Digest)
	assert.Equal(t, 1, report.Digest.Totals.Published)
	assert.Equal(t, 2, report.Digest.Totals.Inbox)

	require.NotNil(t, report.Snapshot)
	assert.Len(t, report.Snapshot.Published, 1)
	assert.Len(t, report.Snapshot.Inbox, 2)

	// The closed proposal resolved in favour of the approve option.
	var closeLog *StepLog
	for i := range report.Steps {
		if report.Steps[i].Action == "close" {
			closeLog = &report.Steps[i]
		}
	}
	require.NotNil(t, closeLog)
	assert.Contains(t, closeLog.Detail, ":1")
}

func TestRunTwiceYieldsSameStats(t *testing.T) {
	first, err := NewRunner(newSimNode(t), nil).Run(context.Background(), SampleScenario())
	require.NoError(t, err)
	second, err := NewRunner(newSimNode(t), nil).Run(context.Background(), SampleScenario())
	require.NoError(t, err)
	assert.Equal(t, first.Stats, second.Stats)
}

func TestStepErrorsDoNotAbortRun(t *testing.T) {
	scenario := Scenario{
		Name: "resilient",
		Steps: []Step{
			{Action: "vote", ChoiceIndex: 0},
			{Action: "publish", Title: "after", Body: "The run continues past failures."},
		},
	}
	report, err := NewRunner(newSimNode(t), nil).Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.Errors)
	assert.Equal(t, 1, report.Stats.Published)
	require.Len(t, report.Steps, 2)
	assert.NotEmpty(t, report.Steps[0].Error)
	assert.Empty(t, report.Steps[1].Error)
}

func TestCancellationAbortsRun(t *testing.T) {
	scenario := Scenario{
		Name: "slow",
		Steps: []Step{
			{Action: "wait", DurationMs: 60_000},
			{Action: "digest"},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report, err := NewRunner(newSimNode(t), nil).Run(ctx, scenario)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, report.Stats.Digests)
}

func TestDelayScaling(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, scaleDelay(100, 0))
	assert.Equal(t, 50*time.Millisecond, scaleDelay(100, 2))
	assert.Equal(t, 200*time.Millisecond, scaleDelay(100, 0.5))
	assert.Equal(t, time.Duration(0), scaleDelay(0, 1))
}
