package governance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msrovani/befree/pkg/economy"
)

func amountPtr(v int64) *economy.Amount {
	a := economy.NewAmount(v)
	return &a
}

func draftWithOptions(labels ...string) Draft {
	options := make([]OptionInput, len(labels))
	for i, label := range labels {
		options[i] = OptionInput{Label: label}
	}
	return Draft{Title: "test proposal", Options: options}
}

func TestCreateProposalDefaults(t *testing.T) {
	e := NewEngine()
	p, err := e.CreateProposal("did:befree:author", draftWithOptions("sim", "não"))
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, p.Status)
	assert.Equal(t, "did:befree:author", p.Author)
	require.Len(t, p.Options, 2)
	assert.Equal(t, p.ID+":1", p.Options[0].ID)
	assert.Equal(t, p.ID+":2", p.Options[1].ID)
	assert.NotZero(t, p.CreatedAt)
}

func TestCreateProposalValidation(t *testing.T) {
	e := NewEngine()
	_, err := e.CreateProposal("a", Draft{Options: []OptionInput{{Label: "x"}}})
	assert.ErrorIs(t, err, ErrInvalidDraft)

	_, err = e.CreateProposal("a", Draft{Title: "t"})
	assert.ErrorIs(t, err, ErrInvalidDraft)
}

func TestLifecycleTransitions(t *testing.T) {
	e := NewEngine()
	p, err := e.CreateProposal("a", draftWithOptions("x"))
	require.NoError(t, err)

	active, err := e.Activate(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active.Status)

	closed, err := e.Close(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)

	_, err = e.Activate(p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.Cancel(p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelledProposalCannotClose(t *testing.T) {
	e := NewEngine()
	p, _ := e.CreateProposal("a", draftWithOptions("x"))
	_, err := e.Cancel(p.ID)
	require.NoError(t, err)

	_, err = e.Close(p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.Activate(p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestVoteRequiresActiveProposal(t *testing.T) {
	e := NewEngine()
	p, _ := e.CreateProposal("a", draftWithOptions("x"))

	_, err := e.Vote(p.ID, VoteInput{Voter: "v", Choice: p.Options[0].ID})
	assert.ErrorIs(t, err, ErrProposalNotActive)

	_, err = e.Vote("missing", VoteInput{Voter: "v", Choice: "c"})
	assert.ErrorIs(t, err, ErrProposalNotFound)
}

func TestVoteValidation(t *testing.T) {
	e := NewEngine()
	p, _ := e.CreateProposal("a", draftWithOptions("x"))
	_, err := e.Activate(p.ID)
	require.NoError(t, err)

	_, err = e.Vote(p.ID, VoteInput{Voter: "v", Choice: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = e.Vote(p.ID, VoteInput{Choice: p.Options[0].ID})
	assert.ErrorIs(t, err, ErrInvalidVote)

	zero := economy.NewAmount(0)
	_, err = e.Vote(p.ID, VoteInput{Voter: "v", Choice: p.Options[0].ID, Weight: &zero})
	assert.ErrorIs(t, err, ErrInvalidVote)
}

func TestRevoteReplacesEarlierVote(t *testing.T) {
	e := NewEngine()
	p, _ := e.CreateProposal("a", draftWithOptions("x", "y"))
	_, err := e.Activate(p.ID)
	require.NoError(t, err)

	_, err = e.Vote(p.ID, VoteInput{Voter: "v", Choice: p.Options[0].ID, Weight: amountPtr(5)})
	require.NoError(t, err)
	_, err = e.Vote(p.ID, VoteInput{Voter: "v", Choice: p.Options[1].ID, Weight: amountPtr(2)})
	require.NoError(t, err)

	closed, err := e.Close(p.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.Outcome)
	assert.Equal(t, 1, closed.Outcome.TotalVotes)
	assert.Equal(t, "2", closed.Outcome.TotalWeight.String())
	assert.Equal(t, p.Options[1].ID, closed.Outcome.WinningOptionID)
}

func TestCloseComputesWinner(t *testing.T) {
	e := NewEngine()
	p, _ := e.CreateProposal("a", draftWithOptions("x", "y"))
	e.Activate(p.ID)
	e.Vote(p.ID, VoteInput{Voter: "v1", Choice: p.Options[0].ID, Weight: amountPtr(3)})
	e.Vote(p.ID, VoteInput{Voter: "v2", Choice: p.Options[1].ID, Weight: amountPtr(1)})

	closed, err := e.Close(p.ID)
	require.NoError(t, err)
	out := closed.Outcome
	require.NotNil(t, out)
	assert.Equal(t, p.Options[0].ID, out.WinningOptionID)
	assert.False(t, out.Tie)
	assert.True(t, out.QuorumReached)
	assert.Equal(t, "4", out.TotalWeight.String())
	assert.Equal(t, "3", out.Tallies[p.Options[0].ID].String())
}

func TestTieYieldsNoWinner(t *testing.T) {
	e := NewEngine()
	p, _ := e.CreateProposal("a", draftWithOptions("x", "y"))
	e.Activate(p.ID)
	e.Vote(p.ID, VoteInput{Voter: "v1", Choice: p.Options[0].ID, Weight: amountPtr(2)})
	e.Vote(p.ID, VoteInput{Voter: "v2", Choice: p.Options[1].ID, Weight: amountPtr(2)})

	closed, _ := e.Close(p.ID)
	assert.True(t, closed.Outcome.Tie)
	assert.Empty(t, closed.Outcome.WinningOptionID)
}

func TestNoVotesYieldsNoWinner(t *testing.T) {
	e := NewEngine()
	p, _ := e.CreateProposal("a", draftWithOptions("x"))
	e.Activate(p.ID)

	closed, _ := e.Close(p.ID)
	assert.Empty(t, closed.Outcome.WinningOptionID)
	assert.False(t, closed.Outcome.Tie)
	assert.True(t, closed.Outcome.QuorumReached)
}

func TestQuorumUnmetYieldsNoWinner(t *testing.T) {
	e := NewEngine()
	draft := draftWithOptions("x")
	draft.Quorum = amountPtr(10)
	p, _ := e.CreateProposal("a", draft)
	e.Activate(p.ID)
	e.Vote(p.ID, VoteInput{Voter: "v", Choice: p.Options[0].ID, Weight: amountPtr(3)})

	closed, _ := e.Close(p.ID)
	assert.False(t, closed.Outcome.QuorumReached)
	assert.Empty(t, closed.Outcome.WinningOptionID)
	assert.Equal(t, "3", closed.Outcome.Tallies[p.Options[0].ID].String())
}

func TestCloseIsIdempotent(t *testing.T) {
	e := NewEngine()
	p, _ := e.CreateProposal("a", draftWithOptions("x"))
	e.Activate(p.ID)
	e.Vote(p.ID, VoteInput{Voter: "v", Choice: p.Options[0].ID})

	first, err := e.Close(p.ID)
	require.NoError(t, err)
	second, err := e.Close(p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Outcome, second.Outcome)
}

func TestListFiltersAndSorts(t *testing.T) {
	e := NewEngine()
	a, _ := e.CreateProposal("x", draftWithOptions("o"))
	b, _ := e.CreateProposal("x", draftWithOptions("o"))
	e.Activate(b.ID)

	all := e.List("")
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	active := e.List(StatusActive)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)
}

func TestExportImportRoundTrip(t *testing.T) {
	e := NewEngine()
	draft := draftWithOptions("x", "y")
	draft.Quorum = amountPtr(1)
	p, _ := e.CreateProposal("a", draft)
	e.Activate(p.ID)
	huge := economy.MustAmount("123456789012345678901234567890")
	_, err := e.Vote(p.ID, VoteInput{Voter: "v", Choice: p.Options[0].ID, Weight: &huge})
	require.NoError(t, err)
	e.Close(p.ID)

	raw, err := json.Marshal(e.Export())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"123456789012345678901234567890"`)

	var state State
	require.NoError(t, json.Unmarshal(raw, &state))
	restored := NewEngine()
	restored.Import(state)

	got, err := restored.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", got.Outcome.TotalWeight.String())
	assert.Equal(t, p.Options[0].ID, got.Outcome.WinningOptionID)
}

func TestGetReturnsCopy(t *testing.T) {
	e := NewEngine()
	p, _ := e.CreateProposal("a", draftWithOptions("x"))
	got, err := e.Get(p.ID)
	require.NoError(t, err)
	got.Title = "mutated"

	again, _ := e.Get(p.ID)
	assert.Equal(t, "test proposal", again.Title)
}
