// Package beacon implements a single beacon node's client (spec.md §4.2):
// a thin, scored wrapper around a Beacon API HTTP transport.
//
// Transport is provided by attestantio/go-eth2-client; this package adds
// the semantics a multi-node validator core needs on top of it: a 0-100
// health score nudged by every request's outcome, endpoint-specific
// timeouts, execution-optimistic rejection, and the retry-forever
// initialization loop.
package beacon

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	eth2client "github.com/attestantio/go-eth2-client"
	"github.com/attestantio/go-eth2-client/api"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/sentrynode/validator/config"
	"github.com/sentrynode/validator/types"
)

// MaxScore is the ceiling (and the value a node is reset to on successful
// initialization) of the health score.
const MaxScore = 100

// ScoreDeltaSuccess/ScoreDeltaFailure are the score adjustments applied on
// every request outcome (spec.md §4.2).
const (
	ScoreDeltaSuccess = 1
	ScoreDeltaFailure = 5
)

const (
	defaultConnectTimeout = 1 * time.Second
	defaultTotalTimeout   = 10 * time.Second

	attestationDataTimeout = 300 * time.Millisecond
	blockRootTimeout       = 1 * time.Second
)

var (
	scoreGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beacon_node_score",
		Help: "Beacon node health score",
	}, []string{"host"})
	versionGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beacon_node_version",
		Help: "Beacon node version, one time series per (host, version) pair observed",
	}, []string{"host", "version"})
)

// Node is a single beacon node endpoint. Every field access that matters
// across goroutines (Score, Initialized, NodeVersion) goes through
// atomics: Node is read from the slot-tick, duty, and event-consumer
// goroutines concurrently.
type Node struct {
	Host    string
	BaseURL string

	spec    config.Spec
	quirks  config.VendorQuirks
	client  eth2client.Service
	httpCli *http.Service

	log *logrus.Entry

	score       int32
	initialized int32

	versionMu sync.RWMutex
	version   string
}

// New constructs a Node. The underlying HTTP service is dialed lazily by
// Initialize; construction never blocks on the network.
func New(ctx context.Context, baseURL string, spec config.Spec, quirks config.VendorQuirks) (*Node, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("beacon: failed to parse hostname from %q", baseURL)
	}

	svc, err := http.New(ctx,
		http.WithAddress(baseURL),
		http.WithTimeout(defaultTotalTimeout),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "beacon: dialing %s", baseURL)
	}
	httpSvc, _ := svc.(*http.Service)

	n := &Node{
		Host:    u.Hostname(),
		BaseURL: baseURL,
		spec:    spec,
		quirks:  quirks,
		client:  svc,
		httpCli: httpSvc,
		log:     logrus.WithField("prefix", "beacon").WithField("host", u.Hostname()),
	}
	scoreGauge.WithLabelValues(n.Host).Set(0)
	return n, nil
}

// Score returns the current 0-MaxScore health score.
func (n *Node) Score() int { return int(atomic.LoadInt32(&n.score)) }

// Initialized reports whether Initialize has completed successfully at
// least once.
func (n *Node) Initialized() bool { return atomic.LoadInt32(&n.initialized) == 1 }

// Version returns the last-observed node_version string.
func (n *Node) Version() string {
	n.versionMu.RLock()
	defer n.versionMu.RUnlock()
	return n.version
}

func (n *Node) adjustScore(delta int32) {
	for {
		old := atomic.LoadInt32(&n.score)
		next := old + delta
		if next < 0 {
			next = 0
		}
		if next > MaxScore {
			next = MaxScore
		}
		if atomic.CompareAndSwapInt32(&n.score, old, next) {
			scoreGauge.WithLabelValues(n.Host).Set(float64(next))
			return
		}
	}
}

func (n *Node) setScore(v int32) {
	atomic.StoreInt32(&n.score, v)
	scoreGauge.WithLabelValues(n.Host).Set(float64(v))
}

// onOutcome nudges the score per request result. ErrUnsupportedEndpoint
// (the transport lacks the provider interface for a route) leaves the
// score unchanged: it says nothing about the node's health. Every other
// error, an HTTP 405 included, counts as a failure.
func (n *Node) onOutcome(err error) {
	switch {
	case err == nil:
		n.adjustScore(ScoreDeltaSuccess)
	case errors.Is(err, ErrUnsupportedEndpoint):
	default:
		n.adjustScore(-ScoreDeltaFailure)
	}
}

// RecordFailure applies the failure score penalty directly, for callers
// observing this node's health through a channel other than a single
// request/response call -- e.g. an SSE stream erroring out (spec.md
// §5.2).
func (n *Node) RecordFailure() {
	n.adjustScore(-ScoreDeltaFailure)
}

// Initialize fetches genesis, cross-checks the beacon node's reported spec
// against the hardcoded one, and starts the node-version refresh job. On
// failure it retries every 30s until it succeeds or ctx is cancelled
// (spec.md §4.2 init contract); it never gives up on its own.
func (n *Node) Initialize(ctx context.Context, onVersionRefresh func()) {
	go n.initLoop(ctx, onVersionRefresh)
}

func (n *Node) initLoop(ctx context.Context, onVersionRefresh func()) {
	for {
		if err := n.initOnce(ctx); err != nil {
			n.log.WithError(err).Error("failed to initialize beacon node")
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
				continue
			}
		}
		n.log.Info("initialized beacon node")
		n.setScore(MaxScore)
		atomic.StoreInt32(&n.initialized, 1)
		if onVersionRefresh != nil {
			go n.refreshVersionPeriodically(ctx, onVersionRefresh)
		}
		return
	}
}

func (n *Node) refreshVersionPeriodically(ctx context.Context, onVersionRefresh func()) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.NodeVersion(ctx); err != nil {
				n.log.WithError(err).Warn("failed to refresh node version")
				continue
			}
			onVersionRefresh()
		}
	}
}

func (n *Node) initOnce(ctx context.Context) error {
	if _, err := n.Genesis(ctx); err != nil {
		return errors.Wrap(err, "get_genesis")
	}

	if bnSpec, err := n.Spec(ctx); err != nil {
		// Nimbus and Prysm omit some spec values; this is a soft check.
		n.log.WithError(err).Warn("failed to verify beacon node spec")
	} else if !n.spec.Equal(bnSpec) {
		n.log.Warn("spec values returned by beacon node differ from hardcoded spec values")
	}

	if _, err := n.NodeVersion(ctx); err != nil {
		return errors.Wrap(err, "get_node_version")
	}
	return nil
}

// Genesis fetches /eth/v1/beacon/genesis.
func (n *Node) Genesis(ctx context.Context) (*apiv1.Genesis, error) {
	provider, ok := n.client.(eth2client.GenesisProvider)
	if !ok {
		return nil, ErrUnsupportedEndpoint
	}
	resp, err := provider.Genesis(ctx, &api.GenesisOpts{})
	n.onOutcome(err)
	if err != nil {
		return nil, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Spec fetches /eth/v1/config/spec and maps it onto config.Spec.
func (n *Node) Spec(ctx context.Context) (config.Spec, error) {
	provider, ok := n.client.(eth2client.SpecProvider)
	if !ok {
		return config.Spec{}, ErrUnsupportedEndpoint
	}
	resp, err := provider.Spec(ctx, &api.SpecOpts{})
	n.onOutcome(err)
	if err != nil {
		return config.Spec{}, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return config.Spec{}, err
	}
	return specFromMap(resp.Data), nil
}

func specFromMap(m map[string]any) config.Spec {
	u := func(key string) uint64 {
		v, ok := m[key]
		if !ok {
			return 0
		}
		switch t := v.(type) {
		case uint64:
			return t
		case int64:
			return uint64(t)
		}
		return 0
	}
	return config.Spec{
		SlotsPerEpoch:                 u("SLOTS_PER_EPOCH"),
		SlotDurationMS:                u("SECONDS_PER_SLOT") * 1000,
		IntervalsPerSlot:              3,
		EpochsPerSyncCommitteePeriod:  u("EPOCHS_PER_SYNC_COMMITTEE_PERIOD"),
		TargetAggregatorsPerCommittee: u("TARGET_AGGREGATORS_PER_COMMITTEE"),
		SyncCommitteeSize:             u("SYNC_COMMITTEE_SIZE"),
		SyncCommitteeSubnetCount:      u("SYNC_COMMITTEE_SUBNET_COUNT"),
		MaxValidatorsPerCommittee:     u("MAX_VALIDATORS_PER_COMMITTEE"),
		MaxCommitteesPerSlot:          u("MAX_COMMITTEES_PER_SLOT"),
	}
}

// NodeVersion fetches /eth/v1/node/version and records it for metrics.
func (n *Node) NodeVersion(ctx context.Context) (string, error) {
	provider, ok := n.client.(eth2client.NodeVersionProvider)
	if !ok {
		return "", ErrUnsupportedEndpoint
	}
	resp, err := provider.NodeVersion(ctx, &api.NodeVersionOpts{})
	n.onOutcome(err)
	if err != nil {
		return "", err
	}
	n.versionMu.Lock()
	n.version = resp.Data
	n.versionMu.Unlock()
	versionGauge.WithLabelValues(n.Host, resp.Data).Set(1)
	return resp.Data, nil
}

// AttestationData produces attestation data for (slot, committeeIndex)
// with a 300ms budget (spec.md §4.2) -- tighter than the default request
// timeout because the caller has its own fallback paths.
func (n *Node) AttestationData(ctx context.Context, slot types.Slot, committeeIndex uint64) (types.AttestationData, error) {
	ctx, span := trace.StartSpan(ctx, "beacon.Node.AttestationData")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, attestationDataTimeout)
	defer cancel()

	provider, ok := n.client.(eth2client.AttestationDataProvider)
	if !ok {
		return types.AttestationData{}, ErrUnsupportedEndpoint
	}
	resp, err := provider.AttestationData(ctx, &api.AttestationDataOpts{
		Slot:           phase0.Slot(slot),
		CommitteeIndex: phase0.CommitteeIndex(committeeIndex),
	})
	n.onOutcome(err)
	if err != nil {
		return types.AttestationData{}, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return types.AttestationData{}, err
	}
	return attestationDataFromAPI(resp.Data), nil
}

func attestationDataFromAPI(d *phase0.AttestationData) types.AttestationData {
	return types.AttestationData{
		Slot:            types.Slot(d.Slot),
		CommitteeIndex:  uint64(d.Index),
		BeaconBlockRoot: types.Root(d.BeaconBlockRoot),
		Source: types.Checkpoint{
			Epoch: types.Epoch(d.Source.Epoch),
			Root:  types.Root(d.Source.Root),
		},
		Target: types.Checkpoint{
			Epoch: types.Epoch(d.Target.Epoch),
			Root:  types.Root(d.Target.Root),
		},
	}
}

// FinalityCheckpoints fetches the current source/target checkpoints from
// state_id "head".
func (n *Node) FinalityCheckpoints(ctx context.Context) (source, target types.Checkpoint, err error) {
	provider, ok := n.client.(eth2client.FinalityProvider)
	if !ok {
		return types.Checkpoint{}, types.Checkpoint{}, ErrUnsupportedEndpoint
	}
	resp, err := provider.Finality(ctx, &api.FinalityOpts{State: "head"})
	n.onOutcome(err)
	if err != nil {
		return types.Checkpoint{}, types.Checkpoint{}, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return types.Checkpoint{}, types.Checkpoint{}, err
	}
	return types.Checkpoint{Epoch: types.Epoch(resp.Data.Justified.Epoch), Root: types.Root(resp.Data.Justified.Root)},
		types.Checkpoint{Epoch: types.Epoch(resp.Data.Finalized.Epoch), Root: types.Root(resp.Data.Finalized.Root)},
		nil
}

// WaitForCheckpoints polls FinalityCheckpoints, rate-limited to one
// request every 50ms, until both the expected source and target
// checkpoints are observed.
func (n *Node) WaitForCheckpoints(ctx context.Context, expectedSource, expectedTarget types.Checkpoint) error {
	for {
		start := time.Now()
		source, target, err := n.FinalityCheckpoints(ctx)
		if err == nil && source == expectedSource && target == expectedTarget {
			return nil
		}
		if err != nil {
			n.log.WithError(err).Warn("failed to fetch finality checkpoints")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(func() time.Duration {
			elapsed := time.Since(start)
			if elapsed >= 50*time.Millisecond {
				return 0
			}
			return 50*time.Millisecond - elapsed
		}()):
		}
	}
}

// BlockRoot fetches the root of the block identified by blockID ("head",
// "finalized", a slot number, or a hex root) with a 1s budget.
func (n *Node) BlockRoot(ctx context.Context, blockID string) (types.Root, error) {
	ctx, cancel := context.WithTimeout(ctx, blockRootTimeout)
	defer cancel()

	provider, ok := n.client.(eth2client.BeaconBlockRootProvider)
	if !ok {
		return types.Root{}, ErrUnsupportedEndpoint
	}
	resp, err := provider.BeaconBlockRoot(ctx, &api.BeaconBlockRootOpts{Block: blockID})
	n.onOutcome(err)
	if err != nil {
		return types.Root{}, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return types.Root{}, err
	}
	return types.Root(*resp.Data), nil
}

// AttesterDuties fetches attester duties for epoch/indices, along with the
// dependent root the response was computed against -- callers use it to
// skip reprocessing duties they've already seen (spec.md §4.8.1).
func (n *Node) AttesterDuties(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.AttesterDuty, types.Root, error) {
	provider, ok := n.client.(eth2client.AttesterDutiesProvider)
	if !ok {
		return nil, types.Root{}, ErrUnsupportedEndpoint
	}
	resp, err := provider.AttesterDuties(ctx, &api.AttesterDutiesOpts{
		Epoch:   phase0.Epoch(epoch),
		Indices: indices,
	})
	n.onOutcome(err)
	if err != nil {
		return nil, types.Root{}, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return nil, types.Root{}, err
	}
	return resp.Data, dependentRootFromMetadata(resp.Metadata), nil
}

// dependentRootFromMetadata extracts the "dependent_root" key go-eth2-client
// populates on duties responses. A missing/malformed value degrades to the
// zero root, which callers treat as always-stale (forcing a refresh rather
// than risking silently stale duties).
func dependentRootFromMetadata(md map[string]any) types.Root {
	if md == nil {
		return types.Root{}
	}
	switch v := md["dependent_root"].(type) {
	case phase0.Root:
		return types.Root(v)
	case string:
		if r, err := types.RootFromHex(v); err == nil {
			return r
		}
	}
	return types.Root{}
}

// optimisticFromMetadata extracts the "execution_optimistic" key
// go-eth2-client populates on responses computed against head state. A
// missing key degrades to false: not every endpoint carries this field, and
// its absence is not itself evidence of an optimistic head.
func optimisticFromMetadata(md map[string]any) bool {
	if md == nil {
		return false
	}
	b, _ := md["execution_optimistic"].(bool)
	return b
}

// rejectOptimistic penalizes the node and returns ErrOptimistic when md
// marks the response execution-optimistic: an unverified-against-execution
// response is not safe for a validator to act on (spec.md §4.2).
func (n *Node) rejectOptimistic(md map[string]any) error {
	if !optimisticFromMetadata(md) {
		return nil
	}
	n.onOutcome(ErrOptimistic)
	return ErrOptimistic
}

// ProposerDuties fetches proposer duties for epoch, along with the
// dependent root duties are conditioned on (spec.md §4.3.1).
func (n *Node) ProposerDuties(ctx context.Context, epoch types.Epoch) ([]*apiv1.ProposerDuty, types.Root, error) {
	provider, ok := n.client.(eth2client.ProposerDutiesProvider)
	if !ok {
		return nil, types.Root{}, ErrUnsupportedEndpoint
	}
	resp, err := provider.ProposerDuties(ctx, &api.ProposerDutiesOpts{Epoch: phase0.Epoch(epoch)})
	n.onOutcome(err)
	if err != nil {
		return nil, types.Root{}, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return nil, types.Root{}, err
	}
	return resp.Data, dependentRootFromMetadata(resp.Metadata), nil
}

// SyncCommitteeDuties fetches sync-committee duties for epoch/indices.
func (n *Node) SyncCommitteeDuties(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.SyncCommitteeDuty, error) {
	provider, ok := n.client.(eth2client.SyncCommitteeDutiesProvider)
	if !ok {
		return nil, ErrUnsupportedEndpoint
	}
	resp, err := provider.SyncCommitteeDuties(ctx, &api.SyncCommitteeDutiesOpts{
		Epoch:   phase0.Epoch(epoch),
		Indices: indices,
	})
	n.onOutcome(err)
	if err != nil {
		return nil, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Liveness reports whether each of indices has been observed live (made an
// attestation) during epoch, used by doppelganger detection (spec.md §4.9).
func (n *Node) Liveness(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.ValidatorLiveness, error) {
	provider, ok := n.client.(eth2client.ValidatorLivenessProvider)
	if !ok {
		return nil, ErrUnsupportedEndpoint
	}
	resp, err := provider.ValidatorLiveness(ctx, &api.ValidatorLivenessOpts{
		Epoch:   phase0.Epoch(epoch),
		Indices: indices,
	})
	n.onOutcome(err)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Validators fetches validator records for the given ids at state_id.
// Unlike the original client, go-eth2-client always uses the POST
// endpoint. ErrUnsupportedEndpoint is returned only when the transport
// lacks a ValidatorsProvider; a 405 is returned as the transport's error,
// and there is no GET or smaller-batch fallback here or in multibeacon.
func (n *Node) Validators(ctx context.Context, stateID string, indices []phase0.ValidatorIndex) (map[phase0.ValidatorIndex]*apiv1.Validator, error) {
	provider, ok := n.client.(eth2client.ValidatorsProvider)
	if !ok {
		return nil, ErrUnsupportedEndpoint
	}
	resp, err := provider.Validators(ctx, &api.ValidatorsOpts{
		State:   stateID,
		Indices: indices,
	})
	n.onOutcome(err)
	if err != nil {
		return nil, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ValidatorsByPubkey fetches validator records by pubkey rather than
// index, used by the status tracker which only knows the pubkeys the
// remote signer serves (spec.md §5.1).
func (n *Node) ValidatorsByPubkey(ctx context.Context, stateID string, pubkeys []phase0.BLSPubKey) (map[phase0.ValidatorIndex]*apiv1.Validator, error) {
	provider, ok := n.client.(eth2client.ValidatorsProvider)
	if !ok {
		return nil, ErrUnsupportedEndpoint
	}
	resp, err := provider.Validators(ctx, &api.ValidatorsOpts{
		State:   stateID,
		PubKeys: pubkeys,
	})
	n.onOutcome(err)
	if err != nil {
		return nil, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SubmitAttestations publishes a batch of attestations.
func (n *Node) SubmitAttestations(ctx context.Context, atts []*phase0.Attestation) error {
	submitter, ok := n.client.(eth2client.AttestationsSubmitter)
	if !ok {
		return ErrUnsupportedEndpoint
	}
	err := submitter.SubmitAttestations(ctx, &api.SubmitAttestationsOpts{Attestations: atts})
	n.onOutcome(err)
	return err
}

// SubmitSyncCommitteeMessages publishes a batch of sync committee messages.
func (n *Node) SubmitSyncCommitteeMessages(ctx context.Context, msgs []*altairSyncCommitteeMessage) error {
	submitter, ok := n.client.(eth2client.SyncCommitteeMessagesSubmitter)
	if !ok {
		return ErrUnsupportedEndpoint
	}
	converted := make([]*phase0.SyncCommitteeMessage, len(msgs))
	for i, m := range msgs {
		converted[i] = (*phase0.SyncCommitteeMessage)(m)
	}
	err := submitter.SubmitSyncCommitteeMessages(ctx, converted)
	n.onOutcome(err)
	return err
}

// altairSyncCommitteeMessage is a local alias kept so callers don't need
// to import phase0 directly just to build a submission slice.
type altairSyncCommitteeMessage = phase0.SyncCommitteeMessage

// PrepareBeaconCommitteeSubscriptions submits beacon committee subnet
// subscriptions (for aggregator duties).
func (n *Node) PrepareBeaconCommitteeSubscriptions(ctx context.Context, subs []*apiv1.BeaconCommitteeSubscription) error {
	submitter, ok := n.client.(eth2client.BeaconCommitteeSubscriptionsSubmitter)
	if !ok {
		return ErrUnsupportedEndpoint
	}
	err := submitter.SubmitBeaconCommitteeSubscriptions(ctx, subs)
	n.onOutcome(err)
	return err
}

// PrepareSyncCommitteeSubscriptions submits sync committee subnet
// subscriptions.
func (n *Node) PrepareSyncCommitteeSubscriptions(ctx context.Context, subs []*apiv1.SyncCommitteeSubscription) error {
	submitter, ok := n.client.(eth2client.SyncCommitteeSubscriptionsSubmitter)
	if !ok {
		return ErrUnsupportedEndpoint
	}
	err := submitter.SubmitSyncCommitteeSubscriptions(ctx, subs)
	n.onOutcome(err)
	return err
}

// PrepareBeaconProposer submits fee-recipient preparations ahead of a
// proposal duty.
func (n *Node) PrepareBeaconProposer(ctx context.Context, preparations []*apiv1.ProposalPreparation) error {
	submitter, ok := n.client.(eth2client.ProposalPreparationsSubmitter)
	if !ok {
		return ErrUnsupportedEndpoint
	}
	err := submitter.SubmitProposalPreparations(ctx, preparations)
	n.onOutcome(err)
	return err
}

// RegisterValidators submits signed validator registrations for MEV
// builders.
func (n *Node) RegisterValidators(ctx context.Context, regs []*apiv1.SignedValidatorRegistration) error {
	submitter, ok := n.client.(eth2client.ValidatorRegistrationsSubmitter)
	if !ok {
		return ErrUnsupportedEndpoint
	}
	err := submitter.SubmitValidatorRegistrations(ctx, regs)
	n.onOutcome(err)
	return err
}

// aggregateTimeout returns INTERVALS_PER_SLOT-derived budgets for the
// aggregate/sync-contribution endpoints (spec.md §4.2).
func (n *Node) aggregateTimeout() time.Duration {
	intervals := n.spec.IntervalsPerSlot
	if n.quirks.IntervalsPerSlotOverride != 0 {
		intervals = n.quirks.IntervalsPerSlotOverride
	}
	if intervals == 0 {
		intervals = 3
	}
	return time.Duration(n.spec.SlotDurationMS) * time.Millisecond / time.Duration(intervals)
}
