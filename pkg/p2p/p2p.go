// Package p2p implements an in-process peer network simulator. Nodes join
// named registries inside a Network instance; delivery is asynchronous via
// a per-node pump goroutine, so per-sender submission order to any single
// peer is preserved while no total order exists across peers.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRegistry is the registry nodes join when none is named.
const DefaultRegistry = "befree"

// DefaultRequestTimeout bounds a Request waiting for its response.
const DefaultRequestTimeout = 5 * time.Second

var (
	// ErrNoPeers is returned by Request when the node knows no peers.
	ErrNoPeers = errors.New("no peers available to fulfill request")
	// ErrRequestTimeout is returned when no response arrives in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrNodeStopped is returned for requests pending when the node stops.
	ErrNodeStopped = errors.New("node stopped")
	// ErrNotStarted is returned for operations on a node that never joined.
	ErrNotStarted = errors.New("node not started")
)

// Metadata carries free-form descriptor fields for a peer.
type Metadata map[string]string

// PeerInfo is the public descriptor of a node.
type PeerInfo struct {
	ID         string   `json:"id"`
	Multiaddrs []string `json:"multiaddrs"`
	Metadata   Metadata `json:"metadata"`
}

// Message is the unit exchanged between peers.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Handler consumes a delivered message on the receiving node's pump
// goroutine.
type Handler func(Message)

// PeerHandler observes peers joining or leaving the registry.
type PeerHandler func(PeerInfo)

// Network owns the registries nodes join. Nothing is shared between two
// Network instances.
type Network struct {
	mu         sync.Mutex
	registries map[string]map[string]*Node
	rand       *rand.Rand
}

// NewNetwork builds an empty simulator network.
func NewNetwork() *Network {
	return &Network{
		registries: make(map[string]map[string]*Node),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewNode builds an unstarted node bound to this network.
func (n *Network) NewNode(metadata Metadata, multiaddrs ...string) *Node {
	meta := make(Metadata, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	node := &Node{
		id:         uuid.NewString(),
		metadata:   meta,
		multiaddrs: append([]string(nil), multiaddrs...),
		network:    n,
		known:      make(map[string]PeerInfo),
		pending:    make(map[string]chan Message),
		byType:     make(map[string][]Handler),
		done:       make(chan struct{}),
	}
	node.queueCond = sync.NewCond(&node.queueMu)
	return node
}

func (n *Network) pickPeer(ids []string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return ids[n.rand.Intn(len(ids))]
}

func (n *Network) join(node *Node, registry string) {
	n.mu.Lock()
	peers, ok := n.registries[registry]
	if !ok {
		peers = make(map[string]*Node)
		n.registries[registry] = peers
	}
	info := node.Info()
	members := make([]*Node, 0, len(peers))
	for _, peer := range peers {
		peerInfo := peer.Info()
		node.addKnown(peerInfo)
		peer.addKnown(info)
		members = append(members, peer)
	}
	peers[node.id] = node
	n.mu.Unlock()

	// Notify outside the registry lock so handlers may use the network.
	for _, peer := range members {
		peer.notifyJoin(info)
	}
}

func (n *Network) leave(node *Node, registry string) {
	n.mu.Lock()
	peers := n.registries[registry]
	delete(peers, node.id)
	info := node.Info()
	members := make([]*Node, 0, len(peers))
	for _, peer := range peers {
		peer.removeKnown(node.id)
		members = append(members, peer)
	}
	n.mu.Unlock()

	for _, peer := range members {
		peer.notifyLeave(info)
	}
}

func (n *Network) lookup(registry, id string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registries[registry][id]
}

// Node is one simulated peer. All exported methods are safe for
// concurrent use.
type Node struct {
	id         string
	metadata   Metadata
	multiaddrs []string
	network    *Network

	mu       sync.Mutex
	started  bool
	registry string
	known    map[string]PeerInfo
	pending  map[string]chan Message
	byType   map[string][]Handler
	anyMsg   []Handler
	onJoin   []PeerHandler
	onLeave  []PeerHandler

	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []Message
	draining  bool

	done chan struct{}
}

// ID returns the node's identifier.
func (nd *Node) ID() string { return nd.id }

// Info returns the node's public descriptor.
func (nd *Node) Info() PeerInfo {
	meta := make(Metadata, len(nd.metadata))
	for k, v := range nd.metadata {
		meta[k] = v
	}
	return PeerInfo{
		ID:         nd.id,
		Multiaddrs: append([]string(nil), nd.multiaddrs...),
		Metadata:   meta,
	}
}

// Peers lists the descriptors of all currently known peers.
func (nd *Node) Peers() []PeerInfo {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	out := make([]PeerInfo, 0, len(nd.known))
	for _, info := range nd.known {
		out = append(out, info)
	}
	return out
}

// Start joins the registry, exchanging descriptors with every member.
// Idempotent; the second call is a no-op.
func (nd *Node) Start(registry string) {
	if registry == "" {
		registry = DefaultRegistry
	}
	nd.mu.Lock()
	if nd.started {
		nd.mu.Unlock()
		return
	}
	nd.started = true
	nd.registry = registry
	nd.mu.Unlock()

	go nd.pump()
	nd.network.join(nd, registry)
}

// Stop leaves the registry, notifies peers and rejects every pending
// request. Idempotent.
func (nd *Node) Stop() {
	nd.mu.Lock()
	if !nd.started {
		nd.mu.Unlock()
		return
	}
	nd.started = false
	registry := nd.registry
	nd.known = make(map[string]PeerInfo)
	close(nd.done)
	nd.mu.Unlock()

	nd.network.leave(nd, registry)

	nd.queueMu.Lock()
	nd.draining = true
	nd.queueCond.Broadcast()
	nd.queueMu.Unlock()
}

// OnMessage registers a handler for every delivered message.
func (nd *Node) OnMessage(h Handler) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.anyMsg = append(nd.anyMsg, h)
}

// HandleType registers a handler for one message type.
func (nd *Node) HandleType(msgType string, h Handler) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.byType[msgType] = append(nd.byType[msgType], h)
}

// OnPeerJoin registers a handler invoked when a peer joins the registry.
func (nd *Node) OnPeerJoin(h PeerHandler) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onJoin = append(nd.onJoin, h)
}

// OnPeerLeave registers a handler invoked when a peer leaves.
func (nd *Node) OnPeerLeave(h PeerHandler) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onLeave = append(nd.onLeave, h)
}

// Broadcast delivers a message to every known peer. Delivery is
// asynchronous; submission order to any single peer is preserved.
func (nd *Node) Broadcast(msgType string, payload any) Message {
	msg := nd.newMessage(msgType, payload)
	for _, id := range nd.knownIDs() {
		nd.dispatch(id, msg)
	}
	return msg
}

// RequestOption tunes a single Request call.
type RequestOption func(*requestConfig)

type requestConfig struct {
	timeout time.Duration
}

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(c *requestConfig) { c.timeout = d }
}

// Request sends a message to one uniformly random peer and waits for a
// Respond carrying the same message id.
func (nd *Node) Request(ctx context.Context, msgType string, payload any, opts ...RequestOption) (Message, error) {
	cfg := requestConfig{timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	nd.mu.Lock()
	if !nd.started {
		nd.mu.Unlock()
		return Message{}, ErrNotStarted
	}
	ids := make([]string, 0, len(nd.known))
	for id := range nd.known {
		ids = append(ids, id)
	}
	nd.mu.Unlock()
	if len(ids) == 0 {
		return Message{}, ErrNoPeers
	}

	msg := nd.newMessage(msgType, payload)
	reply := make(chan Message, 1)
	nd.mu.Lock()
	nd.pending[msg.ID] = reply
	nd.mu.Unlock()

	target := nd.network.pickPeer(ids)
	nd.dispatch(target, msg)

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res, nil
	case <-timer.C:
		nd.dropPending(msg.ID)
		return Message{}, fmt.Errorf("request %s after %s: %w", msg.ID, cfg.timeout, ErrRequestTimeout)
	case <-ctx.Done():
		nd.dropPending(msg.ID)
		return Message{}, ctx.Err()
	case <-nd.done:
		nd.dropPending(msg.ID)
		return Message{}, fmt.Errorf("request %s: %w", msg.ID, ErrNodeStopped)
	}
}

// Respond answers a request message. The reply reuses the request id so
// the requester can correlate it; its type gains a ":response" suffix.
func (nd *Node) Respond(request Message, payload any) {
	reply := Message{
		ID:        request.ID,
		From:      nd.id,
		Type:      request.Type + ":response",
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	nd.dispatch(request.From, reply)
}

func (nd *Node) newMessage(msgType string, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      nd.id,
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (nd *Node) knownIDs() []string {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	ids := make([]string, 0, len(nd.known))
	for id := range nd.known {
		ids = append(ids, id)
	}
	return ids
}

func (nd *Node) addKnown(info PeerInfo) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.known[info.ID] = info
}

func (nd *Node) removeKnown(id string) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	delete(nd.known, id)
}

func (nd *Node) notifyJoin(info PeerInfo) {
	nd.mu.Lock()
	handlers := append([]PeerHandler(nil), nd.onJoin...)
	nd.mu.Unlock()
	for _, h := range handlers {
		h(info)
	}
}

func (nd *Node) notifyLeave(info PeerInfo) {
	nd.mu.Lock()
	handlers := append([]PeerHandler(nil), nd.onLeave...)
	nd.mu.Unlock()
	for _, h := range handlers {
		h(info)
	}
}

func (nd *Node) dispatch(peerID string, msg Message) {
	nd.mu.Lock()
	registry := nd.registry
	nd.mu.Unlock()
	peer := nd.network.lookup(registry, peerID)
	if peer == nil {
		return
	}
	peer.enqueue(msg)
}

func (nd *Node) enqueue(msg Message) {
	nd.queueMu.Lock()
	defer nd.queueMu.Unlock()
	if nd.draining {
		return
	}
	nd.queue = append(nd.queue, msg)
	nd.queueCond.Signal()
}

// pump drains the inbound queue in FIFO order on a single goroutine.
func (nd *Node) pump() {
	for {
		nd.queueMu.Lock()
		for len(nd.queue) == 0 && !nd.draining {
			nd.queueCond.Wait()
		}
		if nd.draining && len(nd.queue) == 0 {
			nd.queueMu.Unlock()
			return
		}
		msg := nd.queue[0]
		nd.queue = nd.queue[1:]
		nd.queueMu.Unlock()
		nd.deliver(msg)
	}
}

func (nd *Node) deliver(msg Message) {
	nd.mu.Lock()
	if reply, ok := nd.pending[msg.ID]; ok {
		delete(nd.pending, msg.ID)
		nd.mu.Unlock()
		reply <- msg
		return
	}
	handlers := append([]Handler(nil), nd.anyMsg...)
	handlers = append(handlers, nd.byType[msg.Type]...)
	nd.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (nd *Node) dropPending(id string) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	delete(nd.pending, id)
}
