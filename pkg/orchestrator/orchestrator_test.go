package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msrovani/befree/pkg/analytics"
	"github.com/msrovani/befree/pkg/canonicalize"
	"github.com/msrovani/befree/pkg/content"
	"github.com/msrovani/befree/pkg/economy"
	"github.com/msrovani/befree/pkg/governance"
	"github.com/msrovani/befree/pkg/identity"
	"github.com/msrovani/befree/pkg/p2p"
	"github.com/msrovani/befree/pkg/store"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestNode(t *testing.T, network *p2p.Network, label string, extra ...func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{Network: network, Label: label, Storage: store.NewMemoryStore()}
	for _, fn := range extra {
		fn(&opts)
	}
	node, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	return node
}

func TestPublishProducesVerifiableEnvelope(t *testing.T) {
	node := newTestNode(t, p2p.NewNetwork(), "alice")

	envelope, err := node.PublishContent(context.Background(), content.Manifest{
		Title: "Community garden",
		Tags:  []string{"garden"},
	}, "We planted tomatoes today. Everyone is welcome to help water them.", PublishOptions{})
	require.NoError(t, err)

	canonical, err := canonicalize.JCS(envelope.Payload())
	require.NoError(t, err)
	assert.True(t, identity.VerifyBase64(canonical, envelope.Signature, envelope.Author.PublicKey))
	assert.Equal(t, node.Author().DID, envelope.Author.DID)
	assert.NotEmpty(t, envelope.Result.Summary)
	assert.NotEmpty(t, envelope.Result.Keywords)

	feed := node.PublishedFeed(0)
	require.Len(t, feed, 1)
	assert.Greater(t, node.ReputationScore(""), 0.0)
}

func TestPublishRewardInsideSignedRegion(t *testing.T) {
	node := newTestNode(t, p2p.NewNetwork(), "alice")
	amount := economy.NewAmount(2_000_000)

	envelope, err := node.PublishContent(context.Background(), content.Manifest{Title: "rewarded"},
		"A longer post that earns a treasury reward for its author.",
		PublishOptions{RewardAmount: &amount})
	require.NoError(t, err)

	require.NotNil(t, envelope.Result.Reward)
	assert.Equal(t, economy.TreasuryAccount, envelope.Result.Reward.From)
	assert.Equal(t, node.Author().DID, envelope.Result.Reward.To)
	assert.Equal(t, "2000000", node.BalanceOf("").String())

	// The receipt sits inside the signed region.
	canonical, err := canonicalize.JCS(envelope.Payload())
	require.NoError(t, err)
	assert.True(t, identity.VerifyBase64(canonical, envelope.Signature, envelope.Author.PublicKey))

	history := node.LedgerHistory()
	require.Len(t, history, 1)
	assert.Equal(t, envelope.Result.Reward.Tx, history[0].Tx)
}

func TestIngestRejectsTamperedEnvelope(t *testing.T) {
	network := p2p.NewNetwork()
	alice := newTestNode(t, network, "alice")
	bob := newTestNode(t, network, "bob")

	envelope, err := alice.PublishContent(context.Background(), content.Manifest{Title: "original"},
		"Original body text.", PublishOptions{})
	require.NoError(t, err)

	envelope.Body = "tampered body text"
	status, err := bob.IngestContent(context.Background(), envelope, "test")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, status)
	assert.Empty(t, bob.Inbox(InboxOptions{}))
}

func TestIngestDeduplicates(t *testing.T) {
	network := p2p.NewNetwork()
	alice := newTestNode(t, network, "alice")
	bob := newTestNode(t, network, "bob")

	envelope, err := alice.PublishContent(context.Background(), content.Manifest{Title: "once"},
		"Deliver me exactly once.", PublishOptions{})
	require.NoError(t, err)

	// The broadcast may already have delivered this envelope.
	waitFor(t, func() bool { return len(bob.Inbox(InboxOptions{})) == 1 })

	status, err := bob.IngestContent(context.Background(), envelope, "test")
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, status)
	assert.Len(t, bob.Inbox(InboxOptions{}), 1)
}

func TestBroadcastReachesPeers(t *testing.T) {
	network := p2p.NewNetwork()
	alice := newTestNode(t, network, "alice")
	bob := newTestNode(t, network, "bob")

	envelope, err := alice.PublishContent(context.Background(), content.Manifest{Title: "hello"},
		"Hello neighbours, the bakery opens tomorrow.", PublishOptions{})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(bob.Inbox(InboxOptions{})) == 1 })
	entry := bob.Inbox(InboxOptions{})[0]
	assert.Equal(t, envelope.Signature, entry.Envelope.Signature)
	assert.Equal(t, alice.Author().DID, entry.Envelope.Author.DID)
	assert.Greater(t, bob.ReputationScore(alice.Author().DID), 0.0)
	assert.GreaterOrEqual(t, bob.LastSyncedAt(), envelope.Timestamp)
}

func TestSyncFeedCatchesUpLateJoiner(t *testing.T) {
	network := p2p.NewNetwork()
	alice := newTestNode(t, network, "alice")

	for _, body := range []string{
		"First post before bob joined.",
		"Second post before bob joined.",
		"Third post before bob joined.",
	} {
		_, err := alice.PublishContent(context.Background(), content.Manifest{Title: "pre"}, body, PublishOptions{})
		require.NoError(t, err)
	}

	bob := newTestNode(t, network, "bob")
	accepted, err := bob.SyncFeed(context.Background(), SyncOptions{})
	require.NoError(t, err)
	assert.Len(t, accepted, 3)
	assert.Len(t, bob.Inbox(InboxOptions{}), 3)
	assert.Greater(t, bob.LastSyncedAt(), int64(0))

	// A second sync finds nothing new.
	again, err := bob.SyncFeed(context.Background(), SyncOptions{})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSyncFeedSkipsOwnContent(t *testing.T) {
	network := p2p.NewNetwork()
	alice := newTestNode(t, network, "alice")

	envelope, err := alice.PublishContent(context.Background(), content.Manifest{Title: "mine"},
		"My own words come back to me.", PublishOptions{})
	require.NoError(t, err)

	// A peer that echoes alice's own envelope back at her.
	echo := network.NewNode(p2p.Metadata{"label": "echo"})
	echo.HandleType("content:feed:request", func(msg p2p.Message) {
		echo.Respond(msg, feedSyncResponse{
			Entries:       []content.Envelope{envelope},
			LastTimestamp: envelope.Timestamp,
		})
	})
	echo.Start(p2p.DefaultRegistry)
	defer echo.Stop()

	since := int64(0)
	accepted, err := alice.SyncFeed(context.Background(), SyncOptions{Since: &since})
	require.NoError(t, err)
	assert.Empty(t, accepted)
	assert.Empty(t, alice.Inbox(InboxOptions{}))
}

func TestSyncFeedWithoutPeers(t *testing.T) {
	node := newTestNode(t, p2p.NewNetwork(), "alone")
	_, err := node.SyncFeed(context.Background(), SyncOptions{})
	assert.ErrorIs(t, err, p2p.ErrNoPeers)
}

func TestPersistenceRestore(t *testing.T) {
	storage := store.NewMemoryStore()
	network := p2p.NewNetwork()

	first, err := New(Options{Network: network, Label: "alice", Storage: storage})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	did := first.Author().DID

	amount := economy.NewAmount(500)
	_, err = first.PublishContent(context.Background(), content.Manifest{Title: "kept"},
		"This post must survive a restart.", PublishOptions{RewardAmount: &amount})
	require.NoError(t, err)
	require.NoError(t, first.Stop(context.Background()))

	second, err := New(Options{Network: network, Storage: storage})
	require.NoError(t, err)
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop(context.Background())

	assert.Equal(t, did, second.Author().DID)
	require.Len(t, second.PublishedFeed(0), 1)
	assert.Equal(t, "500", second.BalanceOf("").String())
	assert.Greater(t, second.ReputationScore(""), 0.0)

	// Restored signatures stay deduplicated.
	status, err := second.IngestContent(context.Background(), second.PublishedFeed(0)[0], "replay")
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, status)
}

func TestRestoreSurvivesLoadFailure(t *testing.T) {
	node, err := New(Options{Network: p2p.NewNetwork(), Storage: failingStorage{}})
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	defer node.Stop(context.Background())
	assert.Equal(t, StateReady, node.CurrentState())
}

type failingStorage struct{}

func (failingStorage) Load(context.Context) (*store.State, error) {
	return nil, assert.AnError
}

func (failingStorage) Save(context.Context, *store.State) error { return nil }

func TestGovernanceLifecycleThroughNode(t *testing.T) {
	node := newTestNode(t, p2p.NewNetwork(), "alice")
	ctx := context.Background()

	proposal, err := node.CreateProposal(ctx, governance.Draft{
		Title:   "Weekly market",
		Options: []governance.OptionInput{{Label: "yes"}, {Label: "no"}},
	})
	require.NoError(t, err)
	assert.Equal(t, node.Author().DID, proposal.Author)

	_, err = node.ActivateProposal(ctx, proposal.ID)
	require.NoError(t, err)

	record, err := node.VoteOnProposal(ctx, proposal.ID, governance.VoteInput{Choice: proposal.Options[0].ID})
	require.NoError(t, err)
	assert.Equal(t, node.Author().DID, record.Voter)

	closed, err := node.CloseProposal(ctx, proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.Outcome)
	assert.Equal(t, proposal.Options[0].ID, closed.Outcome.WinningOptionID)

	// The voter earned curation reputation on top of the content score.
	assert.Greater(t, node.ReputationScore(""), 0.0)
}

func TestTransferBetweenAccounts(t *testing.T) {
	node := newTestNode(t, p2p.NewNetwork(), "alice")
	ctx := context.Background()

	_, err := node.Reward(ctx, node.Author().DID, economy.NewAmount(1000), "seed")
	require.NoError(t, err)

	receipt, err := node.Transfer(ctx, "did:befree:friend", economy.NewAmount(300), "thanks")
	require.NoError(t, err)
	assert.Equal(t, "300", receipt.Amount.String())
	assert.Equal(t, "700", node.BalanceOf("").String())
	assert.Equal(t, "300", node.BalanceOf("did:befree:friend").String())

	_, err = node.Transfer(ctx, "did:befree:friend", economy.NewAmount(10_000), "too much")
	assert.ErrorIs(t, err, economy.ErrInsufficientBalance)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	node := newTestNode(t, p2p.NewNetwork(), "alice")

	_, err := node.PublishContent(context.Background(), content.Manifest{Title: "stable"},
		"Snapshots must not alias live state.", PublishOptions{})
	require.NoError(t, err)

	snap := node.Snapshot()
	require.Len(t, snap.Published, 1)
	snap.Published[0].Body = "mutated"

	assert.Equal(t, "Snapshots must not alias live state.", node.PublishedFeed(0)[0].Body)
	assert.Equal(t, StateReady, snap.State)
	assert.Greater(t, snap.Reputation, 0.0)
}

func TestRequestAssistance(t *testing.T) {
	node := newTestNode(t, p2p.NewNetwork(), "alice")
	result := node.RequestAssistance("How do I join the community garden? I would love to help.")
	assert.NotEmpty(t, result.Summary)
	assert.NotEmpty(t, result.Keywords)
	assert.NotEmpty(t, result.Intent)
}

func TestStartIsIdempotent(t *testing.T) {
	node := newTestNode(t, p2p.NewNetwork(), "alice")
	require.NoError(t, node.Start(context.Background()))
	require.NoError(t, node.Start(context.Background()))
	assert.Equal(t, StateReady, node.CurrentState())
}

func TestStoppedNodeRejectsOperations(t *testing.T) {
	node, err := New(Options{Network: p2p.NewNetwork()})
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	require.NoError(t, node.Stop(context.Background()))

	_, err = node.PublishContent(context.Background(), content.Manifest{}, "body", PublishOptions{})
	assert.Error(t, err)
	assert.Equal(t, StateStopped, node.CurrentState())
}

func TestGenerateDigestOverFeed(t *testing.T) {
	network := p2p.NewNetwork()
	alice := newTestNode(t, network, "alice")
	bob := newTestNode(t, network, "bob")

	_, err := alice.PublishContent(context.Background(), content.Manifest{
		Title: "garden",
		Tags:  []string{"garden", "community"},
	}, "The community garden needs volunteers this weekend.", PublishOptions{})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(bob.Inbox(InboxOptions{})) == 1 })

	digest := bob.GenerateDigest(analytics.Options{})
	assert.Equal(t, 1, digest.Totals.Inbox)
	require.NotEmpty(t, digest.Authors)
	assert.Equal(t, alice.Author().DID, digest.Authors[0].DID)
	require.NotNil(t, digest.Authors[0].Reputation)
	assert.Greater(t, *digest.Authors[0].Reputation, 0.0)
}
