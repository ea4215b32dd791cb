// Command validator wires the core components described in spec.md into
// a running process: a keymanager-backed signer, one or more beacon node
// connections fanned out through MultiBeaconNode, the slot clock, the
// three duty services, the SSE event consumer, a startup doppelganger
// check, and a signal-drained shutdown.
//
// Flag parsing, metrics exporter setup, and structured log sink
// configuration are out-of-scope collaborators (spec.md's Non-goals); this
// file reads its configuration from the environment and leaves the rest
// to the packages it wires together.
package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentrynode/validator/attestationdata"
	"github.com/sentrynode/validator/beacon"
	"github.com/sentrynode/validator/cache/dutycache"
	"github.com/sentrynode/validator/clock"
	"github.com/sentrynode/validator/config"
	"github.com/sentrynode/validator/db"
	"github.com/sentrynode/validator/doppelganger"
	"github.com/sentrynode/validator/duties"
	"github.com/sentrynode/validator/events"
	"github.com/sentrynode/validator/keymanager"
	"github.com/sentrynode/validator/multibeacon"
	"github.com/sentrynode/validator/shutdown"
	"github.com/sentrynode/validator/signing"
	"github.com/sentrynode/validator/types"
	"github.com/sentrynode/validator/validatorstatus"
)

var log = logrus.WithField("prefix", "main")

// cliConfig holds the handful of knobs a real flag parser would expose.
// Constructing it is the one piece of this file that stands in for the
// out-of-scope CLI layer.
type cliConfig struct {
	beaconNodeURLs     []string
	proposalNodeURLs   []string
	network            config.Network
	consensusThreshold int
	dbPath             string
	dutyCacheDir       string
	feeRecipient       string
	gasLimit           string
	graffiti           string
	useExternalBuilder bool
	builderBoostFactor uint64
	disableSlashingGate bool
}

func configFromEnv() cliConfig {
	c := cliConfig{
		beaconNodeURLs:     splitCSV(os.Getenv("BEACON_NODE_URLS")),
		proposalNodeURLs:   splitCSV(os.Getenv("PROPOSAL_NODE_URLS")),
		network:            config.Network(envOr("NETWORK", string(config.NetworkMainnet))),
		consensusThreshold: envInt("CONSENSUS_THRESHOLD", 1),
		dbPath:             envOr("VALIDATOR_DB_PATH", "validator.db"),
		dutyCacheDir:       os.Getenv("DUTY_CACHE_DIR"),
		feeRecipient:       envOr("DEFAULT_FEE_RECIPIENT", "0x0000000000000000000000000000000000000000"),
		gasLimit:           envOr("DEFAULT_GAS_LIMIT", "30000000"),
		graffiti:           os.Getenv("DEFAULT_GRAFFITI"),
		useExternalBuilder: envBool("USE_EXTERNAL_BUILDER", false),
		builderBoostFactor: uint64(envInt("BUILDER_BOOST_FACTOR", 100)),
		disableSlashingGate: envBool("DISABLE_SLASHING_PROTECTION_GATE", false),
	}
	if len(c.proposalNodeURLs) == 0 {
		c.proposalNodeURLs = c.beaconNodeURLs
	}
	return c
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("invalid integer env var, using default")
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("invalid boolean env var, using default")
		return fallback
	}
	return b
}

func main() {
	cfg := configFromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("validator exited with error")
	}
}

func run(ctx context.Context, cfg cliConfig) error {
	if len(cfg.beaconNodeURLs) == 0 {
		log.Fatal("no beacon node URLs configured (BEACON_NODE_URLS)")
	}

	database, err := db.Open(cfg.dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	km, err := keymanager.New(database, func(url string) (signing.Provider, error) {
		return signing.NewRemoteSigner(url)
	}, keymanager.Defaults{
		FeeRecipient: cfg.feeRecipient,
		GasLimit:     cfg.gasLimit,
		Graffiti:     cfg.graffiti,
	})
	if err != nil {
		return err
	}
	signerProvider := keymanager.AsSigningProvider(km)

	presetSpec, err := config.LoadNetworkPreset(cfg.network)
	if err != nil {
		return err
	}

	quirks := config.VendorQuirks{}
	nodesByURL := make(map[string]*beacon.Node)
	var allNodes []*beacon.Node
	for _, u := range uniqueStrings(append(append([]string{}, cfg.beaconNodeURLs...), cfg.proposalNodeURLs...)) {
		n, err := beacon.New(ctx, u, presetSpec, quirks)
		if err != nil {
			return err
		}
		nodesByURL[u] = n
		allNodes = append(allNodes, n)
	}

	var beaconNodes, proposalNodes []*beacon.Node
	for _, u := range cfg.beaconNodeURLs {
		beaconNodes = append(beaconNodes, nodesByURL[u])
	}
	for _, u := range cfg.proposalNodeURLs {
		proposalNodes = append(proposalNodes, nodesByURL[u])
	}

	mbn := multibeacon.New(beaconNodes, proposalNodes, cfg.consensusThreshold, cfg.network)
	if err := mbn.Initialize(ctx); err != nil {
		return err
	}

	primary := mbn.PrimaryNode()
	if primary == nil {
		primary = allNodes[0]
	}
	genesis, err := primary.Genesis(ctx)
	if err != nil {
		return err
	}
	spec, err := primary.Spec(ctx)
	if err != nil {
		return err
	}

	clk := clock.New(genesis.GenesisTime, types.Root(genesis.GenesisValidatorsRoot), spec)

	statusTracker := validatorstatus.New(mbn, km, "head", spec.SlotsPerEpoch)
	if err := statusTracker.Initialize(ctx); err != nil {
		return err
	}

	attData := attestationdata.New(mbn)

	var cache *dutycache.Cache
	if cfg.dutyCacheDir != "" {
		cache = dutycache.New(cfg.dutyCacheDir)
	}

	attestationService := duties.NewAttestationService(mbn, attData, signerProvider, statusTracker, statusTracker, clk, spec, cfg.disableSlashingGate)
	blockProposalService := duties.NewBlockProposalService(mbn, km, signerProvider, statusTracker, statusTracker, clk, spec, cfg.builderBoostFactor, cfg.useExternalBuilder, cfg.disableSlashingGate, 2*time.Second)
	syncCommitteeService := duties.NewSyncCommitteeService(mbn, signerProvider, statusTracker, statusTracker, clk, spec, cfg.disableSlashingGate)

	if cache != nil {
		attestationService.SetDutyCache(cache)
		attestationService.LoadFromCache()
		blockProposalService.SetDutyCache(cache)
		blockProposalService.LoadFromCache()
		syncCommitteeService.SetDutyCache(cache)
		syncCommitteeService.LoadFromCache()
	}

	detector := doppelganger.New(mbn, statusTracker, clk, spec)
	if err := detector.Detect(ctx); err != nil {
		return err
	}

	handlers := events.Handlers{
		OnHead: []func(events.HeadEvent){
			func(ev events.HeadEvent) { attestationService.HandleHeadEvent(ctx, ev) },
			func(ev events.HeadEvent) { blockProposalService.HandleHeadEvent(ctx, ev) },
			func(ev events.HeadEvent) { syncCommitteeService.HandleHeadEvent(ctx, ev) },
		},
		OnAttesterSlashing: []func(events.AttesterSlashingEvent){
			func(ev events.AttesterSlashingEvent) {
				statusTracker.HandleAttesterSlashingEvent(validatorstatus.AttesterSlashingEvent{
					Attestation1Indices: ev.Attestation1Indices,
					Attestation2Indices: ev.Attestation2Indices,
				})
			},
		},
		OnProposerSlashing: []func(events.ProposerSlashingEvent){
			func(ev events.ProposerSlashingEvent) {
				statusTracker.HandleProposerSlashingEvent(validatorstatus.ProposerSlashingEvent{
					ProposerIndex: ev.ProposerIndex,
				})
			},
		},
	}

	eventConsumer := events.New(mbn.BestNode, mbn.PrimaryNode, clk.CurrentSlot, handlers)

	clk.RegisterHandler(statusTracker.HandleSlotTick)
	clk.RegisterHandler(attestationService.HandleSlotTick)
	clk.RegisterHandler(blockProposalService.HandleSlotTick)
	clk.RegisterHandler(syncCommitteeService.HandleSlotTick)

	coordinator := shutdown.NewCoordinator([]shutdown.Service{
		attestationService,
		blockProposalService,
		syncCommitteeService,
	})
	runCtx, _ := coordinator.Run(ctx)

	go eventConsumer.Run(runCtx)
	clk.Run(runCtx)

	return nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
