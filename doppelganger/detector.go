// Package doppelganger implements the startup liveness check that guards
// against running the same validator keys against two validator clients
// at once (spec.md §4.9).
package doppelganger

import (
	"context"
	"fmt"
	"time"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/sentrynode/validator/clock"
	"github.com/sentrynode/validator/config"
	"github.com/sentrynode/validator/types"
)

// Detected is returned by Detect when any monitored validator index was
// observed live on the network -- a clear signal another client instance
// is running the same keys.
type Detected struct {
	Indices []uint64
}

func (e *Detected) Error() string {
	return fmt.Sprintf("doppelgangers detected, validator indices: %v", e.Indices)
}

// MultiBeaconNode is the subset of multibeacon.MultiBeaconNode the
// detector needs.
type MultiBeaconNode interface {
	GetLiveness(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.ValidatorLiveness, error)
}

// ActiveOrPendingIndices resolves which validator indices to monitor.
type ActiveOrPendingIndices interface {
	ActiveValidators() []types.ValidatorIndexPubkey
	PendingValidators() []types.ValidatorIndexPubkey
}

// Detector checks, once at startup, whether any of this client's
// validators already appear live on the network before it starts
// performing duties.
type Detector struct {
	log           *logrus.Entry
	mbn           MultiBeaconNode
	statusTracker ActiveOrPendingIndices
	clk           *clock.SlotClock
	spec          config.Spec
}

// New constructs a Detector.
func New(mbn MultiBeaconNode, statusTracker ActiveOrPendingIndices, clk *clock.SlotClock, spec config.Spec) *Detector {
	return &Detector{
		log:           logrus.WithField("prefix", "doppelganger"),
		mbn:           mbn,
		statusTracker: statusTracker,
		clk:           clk,
		spec:          spec,
	}
}

func (d *Detector) monitoredIndices() []phase0.ValidatorIndex {
	active := d.statusTracker.ActiveValidators()
	pending := d.statusTracker.PendingValidators()
	out := make([]phase0.ValidatorIndex, 0, len(active)+len(pending))
	for _, v := range active {
		out = append(out, phase0.ValidatorIndex(v.Index))
	}
	for _, v := range pending {
		out = append(out, phase0.ValidatorIndex(v.Index))
	}
	return out
}

func (d *Detector) fetchLiveness(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.ValidatorLiveness, error) {
	liveness, err := d.mbn.GetLiveness(ctx, epoch, indices)
	if err != nil {
		return nil, fmt.Errorf("failed to query beacon node for liveness data for epoch %d - did you enable liveness tracking?: %w", epoch, err)
	}
	return liveness, nil
}

func (d *Detector) raiseIfDetected(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) error {
	liveness, err := d.fetchLiveness(ctx, epoch, indices)
	if err != nil {
		return err
	}

	var live []uint64
	for _, v := range liveness {
		if v.IsLive {
			live = append(live, uint64(v.Index))
		}
	}
	if len(live) > 0 {
		d.log.WithField("indices", live).Error("doppelgangers detected")
		return &Detected{Indices: live}
	}

	d.log.Debug("no doppelgangers detected")
	return nil
}

// Detect blocks until either a doppelganger is detected (returning a
// *Detected error) or two full epochs of silence have elapsed and it's
// safe to start performing duties.
//
// The monitored window is widened by half a slot past the end of the two
// epochs to account for EIP-7045, which lets attestations from any slot
// in epoch N land as late as the last slot of epoch N+1.
func (d *Detector) Detect(ctx context.Context) error {
	indices := d.monitoredIndices()
	d.log.WithField("count", len(indices)).Info("attempting to detect doppelgangers")

	currentEpoch := d.clk.CurrentEpoch()
	if _, err := d.fetchLiveness(ctx, currentEpoch, indices); err != nil {
		return err
	}

	monitoredEpoch := currentEpoch + 1
	d.log.WithField("epoch", monitoredEpoch).Info("waiting for monitored epoch to start")
	if err := d.clk.WaitForEpoch(ctx, monitoredEpoch); err != nil {
		return err
	}

	d.log.WithField("epoch", monitoredEpoch+1).Info("waiting for monitored epoch to finish")
	if err := d.clk.WaitForEpoch(ctx, monitoredEpoch+1); err != nil {
		return err
	}

	if err := d.raiseIfDetected(ctx, monitoredEpoch, indices); err != nil {
		return err
	}
	d.log.Info("attestations made during the monitored epoch may be included in the next epoch too")

	lastSlotInNextEpoch := types.Slot(uint64(monitoredEpoch+2)*d.spec.SlotsPerEpoch - 1)
	deadline := d.clk.TimestampForSlot(lastSlotInNextEpoch).Add(time.Duration(d.spec.SlotDurationMS) * time.Millisecond / 2)
	d.log.WithField("slot", lastSlotInNextEpoch).Info("waiting for last slot in monitored window")
	if err := waitUntil(ctx, deadline); err != nil {
		return err
	}

	if err := d.raiseIfDetected(ctx, monitoredEpoch, indices); err != nil {
		return err
	}
	d.log.Info("no doppelgangers detected")
	return nil
}

func waitUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
