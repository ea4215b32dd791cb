// Package events consumes a beacon node's Server-Sent-Events stream
// (head, chain_reorg, attester_slashing, proposer_slashing), routes
// each decoded event to registered handlers, and keeps the subscription
// alive across disconnects and node switches (spec.md §5.2).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/r3labs/sse/v2"
	"github.com/sirupsen/logrus"

	"github.com/sentrynode/validator/beacon"
	"github.com/sentrynode/validator/types"
)

var log = logrus.WithField("prefix", "events")

var processedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vc_processed_beacon_node_events",
	Help: "Successfully processed beacon node events",
}, []string{"host", "event_type"})

// reconnectDelay mirrors the Python client's fixed 1-second backoff
// before resubscribing after a stream error.
const reconnectDelay = 1 * time.Second

// Topic is one of the Beacon API SSE topic names.
type Topic string

const (
	TopicHead             Topic = "head"
	TopicChainReorg       Topic = "chain_reorg"
	TopicAttesterSlashing Topic = "attester_slashing"
	TopicProposerSlashing Topic = "proposer_slashing"
)

// HeadEvent is the decoded payload of a "head" SSE event.
type HeadEvent struct {
	Slot                      types.Slot
	Block                     types.Root
	PreviousDutyDependentRoot types.Root
	CurrentDutyDependentRoot  types.Root
	ExecutionOptimistic       bool
}

// ChainReorgEvent is the decoded payload of a "chain_reorg" SSE event.
type ChainReorgEvent struct {
	Slot                types.Slot
	Depth               uint64
	OldHeadBlock        types.Root
	NewHeadBlock        types.Root
	ExecutionOptimistic bool
}

// AttesterSlashingEvent is the decoded payload of an
// "attester_slashing" SSE event.
type AttesterSlashingEvent struct {
	Attestation1Indices []uint64
	Attestation2Indices []uint64
}

// ProposerSlashingEvent is the decoded payload of a "proposer_slashing"
// SSE event.
type ProposerSlashingEvent struct {
	ProposerIndex uint64
}

// Handlers groups the callbacks a Consumer dispatches decoded events
// to. Each slice may hold multiple handlers, mirroring the Python
// client's multi-subscriber event bus.
type Handlers struct {
	OnHead             []func(HeadEvent)
	OnChainReorg       []func(ChainReorgEvent)
	OnAttesterSlashing []func(AttesterSlashingEvent)
	OnProposerSlashing []func(ProposerSlashingEvent)
}

// Consumer subscribes to one beacon node's SSE stream at a time,
// reconnecting on error and switching back to the primary node once it
// catches up (spec.md §5.2).
type Consumer struct {
	bestNode    func() (*beacon.Node, error)
	primaryNode func() *beacon.Node
	currentSlot func() types.Slot
	handlers    Handlers
	supportsSlashingEvents func(n *beacon.Node) bool
}

// New constructs a Consumer. bestNode/primaryNode/currentSlot let this
// package stay decoupled from the concrete multibeacon type.
func New(bestNode func() (*beacon.Node, error), primaryNode func() *beacon.Node, currentSlot func() types.Slot, handlers Handlers) *Consumer {
	return &Consumer{
		bestNode:    bestNode,
		primaryNode: primaryNode,
		currentSlot: currentSlot,
		handlers:    handlers,
		supportsSlashingEvents: func(n *beacon.Node) bool {
			return !strings.Contains(strings.ToLower(n.Version()), "grandine")
		},
	}
}

// Run drives the subscribe/reconnect loop until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.subscribeOnce(ctx); err != nil {
			log.WithError(err).Error("error occurred while processing beacon node events, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

func (c *Consumer) subscribeOnce(ctx context.Context) error {
	node, err := c.bestNode()
	if err != nil {
		return err
	}
	primary := c.primaryNode()

	topics := []Topic{TopicHead, TopicChainReorg, TopicAttesterSlashing, TopicProposerSlashing}
	if !c.supportsSlashingEvents(node) {
		topics = []Topic{TopicHead, TopicChainReorg}
	}

	log.WithField("host", node.Host).Info("subscribing to beacon node events")

	client := sse.NewClient(node.BaseURL + "/eth/v1/events?topics=" + joinTopics(topics))
	client.Headers["Accept"] = "text/event-stream"

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	switchingBack := false
	var handleErr error
	err = client.SubscribeWithContext(subCtx, "", func(msg *sse.Event) {
		if len(msg.Event) == 0 {
			return
		}
		if err := c.handle(node, string(msg.Event), msg.Data); err != nil {
			handleErr = fmt.Errorf("events: processing %s event from %s: %w", string(msg.Event), node.Host, err)
			cancel()
			return
		}
		processedEvents.WithLabelValues(node.Host, string(msg.Event)).Inc()

		if node != primary && primary != nil && primary.Score() == beacon.MaxScore {
			log.WithField("from", node.Host).WithField("to", primary.Host).
				Info("switching SSE subscription back to primary beacon node")
			switchingBack = true
			cancel()
		}
	})
	if handleErr != nil {
		node.RecordFailure()
		return handleErr
	}
	if err != nil && !switchingBack {
		node.RecordFailure()
		return fmt.Errorf("events: subscribing to %s: %w", node.Host, err)
	}
	return nil
}

func joinTopics(topics []Topic) string {
	strs := make([]string, len(topics))
	for i, t := range topics {
		strs[i] = string(t)
	}
	return strings.Join(strs, "&topics=")
}

func (c *Consumer) handle(node *beacon.Node, eventName string, data []byte) error {
	switch eventName {
	case string(TopicHead):
		var raw struct {
			Slot                      string `json:"slot"`
			Block                     string `json:"block"`
			PreviousDutyDependentRoot string `json:"previous_duty_dependent_root"`
			CurrentDutyDependentRoot  string `json:"current_duty_dependent_root"`
			ExecutionOptimistic       bool   `json:"execution_optimistic"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw.ExecutionOptimistic {
			return fmt.Errorf("execution optimistic for head event at slot %s", raw.Slot)
		}
		slot, err := parseSlot(raw.Slot)
		if err != nil {
			return err
		}
		if c.isOld(slot, node) {
			return nil
		}
		block, err := types.RootFromHex(raw.Block)
		if err != nil {
			return err
		}
		prevRoot, _ := types.RootFromHex(raw.PreviousDutyDependentRoot)
		curRoot, _ := types.RootFromHex(raw.CurrentDutyDependentRoot)
		ev := HeadEvent{Slot: slot, Block: block, PreviousDutyDependentRoot: prevRoot, CurrentDutyDependentRoot: curRoot}
		for _, h := range c.handlers.OnHead {
			h(ev)
		}

	case string(TopicChainReorg):
		var raw struct {
			Slot                string `json:"slot"`
			Depth               string `json:"depth"`
			OldHeadBlock        string `json:"old_head_block"`
			NewHeadBlock        string `json:"new_head_block"`
			ExecutionOptimistic bool   `json:"execution_optimistic"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw.ExecutionOptimistic {
			return fmt.Errorf("execution optimistic for chain_reorg event at slot %s", raw.Slot)
		}
		slot, err := parseSlot(raw.Slot)
		if err != nil {
			return err
		}
		if c.isOld(slot, node) {
			return nil
		}
		depth, err := strconv.ParseUint(raw.Depth, 10, 64)
		if err != nil {
			return err
		}
		oldBlock, _ := types.RootFromHex(raw.OldHeadBlock)
		newBlock, _ := types.RootFromHex(raw.NewHeadBlock)
		ev := ChainReorgEvent{Slot: slot, Depth: depth, OldHeadBlock: oldBlock, NewHeadBlock: newBlock}
		for _, h := range c.handlers.OnChainReorg {
			h(ev)
		}

	case string(TopicAttesterSlashing):
		var raw struct {
			Attestation1 struct {
				AttestingIndices []string `json:"attesting_indices"`
			} `json:"attestation_1"`
			Attestation2 struct {
				AttestingIndices []string `json:"attesting_indices"`
			} `json:"attestation_2"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		ev := AttesterSlashingEvent{
			Attestation1Indices: parseIndices(raw.Attestation1.AttestingIndices),
			Attestation2Indices: parseIndices(raw.Attestation2.AttestingIndices),
		}
		for _, h := range c.handlers.OnAttesterSlashing {
			h(ev)
		}

	case string(TopicProposerSlashing):
		var raw struct {
			SignedHeader1 struct {
				Message struct {
					ProposerIndex string `json:"proposer_index"`
				} `json:"message"`
			} `json:"signed_header_1"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		idx, err := strconv.ParseUint(raw.SignedHeader1.Message.ProposerIndex, 10, 64)
		if err != nil {
			return err
		}
		ev := ProposerSlashingEvent{ProposerIndex: idx}
		for _, h := range c.handlers.OnProposerSlashing {
			h(ev)
		}

	default:
		return fmt.Errorf("unable to process event with name %s", eventName)
	}
	return nil
}

func (c *Consumer) isOld(slot types.Slot, node *beacon.Node) bool {
	if c.currentSlot == nil {
		return false
	}
	if slot < c.currentSlot() {
		log.WithField("slot", slot).WithField("host", node.Host).
			WithField("current_slot", c.currentSlot()).
			Warn("ignoring event for old slot")
		return true
	}
	return false
}

func parseSlot(s string) (types.Slot, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return types.Slot(v), nil
}

func parseIndices(strs []string) []uint64 {
	out := make([]uint64, 0, len(strs))
	for _, s := range strs {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
