// Package multibeacon fans duty-production work out across every
// configured beacon node and applies the consensus/selection policy the
// core relies on for resilience against single-client bugs (spec.md
// §4.3): first-OK for "any answer will do" calls, all-OK-collected for
// calls where more data is strictly better, and a counting consensus poll
// for attestation data.
package multibeacon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sentrynode/validator/beacon"
	"github.com/sentrynode/validator/config"
)

var log = logrus.WithField("prefix", "multibeacon")

// MultiBeaconNode coordinates a set of beacon.Node clients plus an
// optional, separate pool of nodes reserved for block proposals (some
// operators want registrations/block production to bypass nodes used for
// bulk duty traffic).
type MultiBeaconNode struct {
	Nodes         []*beacon.Node
	ProposalNodes []*beacon.Node

	ConsensusThreshold int
	InitTimeout        time.Duration

	Network config.Network
}

// New constructs a MultiBeaconNode. consensusThreshold is the number of
// nodes that must agree before attestation-data/checkpoint-confirmation
// calls are considered settled (spec.md §4.3.2).
func New(nodes, proposalNodes []*beacon.Node, consensusThreshold int, network config.Network) *MultiBeaconNode {
	return &MultiBeaconNode{
		Nodes:              nodes,
		ProposalNodes:      proposalNodes,
		ConsensusThreshold: consensusThreshold,
		InitTimeout:        5 * time.Minute,
		Network:            network,
	}
}

// Initialize kicks off every node's own initialization loop and blocks
// until at least ConsensusThreshold nodes have succeeded, or InitTimeout
// elapses.
func (m *MultiBeaconNode) Initialize(ctx context.Context) error {
	log.Info("initializing beacon nodes")
	for _, n := range m.Nodes {
		n.Initialize(ctx, func() {})
	}

	deadline := time.Now().Add(m.InitTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if len(m.InitializedNodes()) >= m.ConsensusThreshold {
			log.WithField("initialized", len(m.InitializedNodes())).
				WithField("total", len(m.Nodes)).
				Info("successfully initialized beacon nodes")
			return m.checkSpecAgreement()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("failed to fully initialize a sufficient amount of beacon nodes - %d/%d initialized (required: %d)",
				len(m.InitializedNodes()), len(m.Nodes), m.ConsensusThreshold)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *MultiBeaconNode) checkSpecAgreement() error {
	var first *config.Spec
	for _, n := range m.InitializedNodes() {
		s, err := n.Spec(context.Background())
		if err != nil {
			continue
		}
		if first == nil {
			first = &s
			continue
		}
		if !first.Equal(s) {
			return fmt.Errorf("beacon nodes provided different specs")
		}
	}
	return nil
}

// InitializedNodes returns the subset of Nodes that finished Initialize.
func (m *MultiBeaconNode) InitializedNodes() []*beacon.Node {
	out := make([]*beacon.Node, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.Initialized() {
			out = append(out, n)
		}
	}
	return out
}

// BestNode returns the initialized node with the highest score; ties
// break in favor of the first node in configuration order.
func (m *MultiBeaconNode) BestNode() (*beacon.Node, error) {
	nodes := m.InitializedNodes()
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no initialized beacon nodes")
	}
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.Score() > best.Score() {
			best = n
		}
	}
	return best, nil
}

// PrimaryNode is the first node in configuration order -- the SSE
// event stream prefers this node and switches back to it whenever it
// catches up to the best score (spec.md §5.2).
func (m *MultiBeaconNode) PrimaryNode() *beacon.Node {
	if len(m.Nodes) == 0 {
		return nil
	}
	return m.Nodes[0]
}

// proposalNodes returns the dedicated proposal pool if configured,
// otherwise every initialized node (spec.md §4.3.3).
func (m *MultiBeaconNode) proposalNodes() []*beacon.Node {
	if len(m.ProposalNodes) > 0 {
		return m.ProposalNodes
	}
	return m.InitializedNodes()
}

// firstOK calls fn against every initialized node concurrently and
// returns the first success, cancelling the rest.
func firstOK[T any](ctx context.Context, nodes []*beacon.Node, fn func(context.Context, *beacon.Node) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, len(nodes))
	for _, n := range nodes {
		n := n
		go func() {
			v, err := fn(ctx, n)
			ch <- result{v, err}
		}()
	}

	var lastErr error
	for range nodes {
		r := <-ch
		if r.err == nil {
			return r.val, nil
		}
		log.WithError(r.err).Warn("failed to get a response from beacon node")
		lastErr = r.err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no beacon nodes available")
	}
	return zero, fmt.Errorf("failed to get a response from all beacon nodes: %w", lastErr)
}

// allOK calls fn against every node in nodes concurrently and collects
// every success, tolerating individual failures. It errors only if every
// call failed.
func allOK[T any](ctx context.Context, nodes []*beacon.Node, fn func(context.Context, *beacon.Node) (T, error)) ([]T, error) {
	var mu sync.Mutex
	var results []T
	var g errgroup.Group
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			v, err := fn(ctx, n)
			if err != nil {
				log.WithError(err).Warn("failed to get a response from beacon node")
				return nil
			}
			mu.Lock()
			results = append(results, v)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if len(results) == 0 {
		return nil, fmt.Errorf("failed to get a response from all beacon nodes")
	}
	return results, nil
}

// BestScoreSort sorts nodes by descending score, stable on input order.
func BestScoreSort(nodes []*beacon.Node) []*beacon.Node {
	out := append([]*beacon.Node(nil), nodes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score() > out[j].Score() })
	return out
}
