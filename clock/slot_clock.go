// Package clock implements the SlotClock / BeaconChain component (spec.md
// §4.1): wall-time <-> slot/epoch translation, precise waits, fork lookup,
// and the per-slot handler broadcast.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentrynode/validator/config"
	"github.com/sentrynode/validator/types"
)

var log = logrus.WithField("prefix", "slotclock")

// Handler is invoked on every new slot tick, per spec.md §4.1: "Handlers are
// called with (slot, is_new_epoch)".
type Handler func(ctx context.Context, slot types.Slot, isNewEpoch bool)

// spinPrecision is how close to the slot boundary we sleep before spinning
// with zero-duration yields, per spec.md's <=1ms drift budget.
const spinPrecision = 16 * time.Millisecond

// SlotClock maps wall time to slot/epoch and broadcasts new-slot ticks.
//
// Registration of handlers is write-once at startup (spec.md §4.1); Start
// must be called exactly once after all handlers have been registered.
type SlotClock struct {
	genesisTime           time.Time
	genesisValidatorsRoot types.Root
	spec                  config.Spec

	mu       sync.Mutex
	handlers []Handler
	started  bool
}

// New constructs a SlotClock for the given genesis time, genesis
// validators root, and Spec.
func New(genesisTime time.Time, genesisValidatorsRoot types.Root, spec config.Spec) *SlotClock {
	return &SlotClock{genesisTime: genesisTime, genesisValidatorsRoot: genesisValidatorsRoot, spec: spec}
}

// GenesisValidatorsRoot is mixed into every signing domain (spec.md §4.5).
func (c *SlotClock) GenesisValidatorsRoot() types.Root {
	return c.genesisValidatorsRoot
}

// SecondsPerInterval is slot_duration / intervals_per_slot -- attestation
// duties are due at the 1-interval mark, aggregation at the 2-interval
// mark (spec.md §4.8).
func (c *SlotClock) SecondsPerInterval() time.Duration {
	return c.slotDuration() / time.Duration(c.spec.IntervalsPerSlot)
}

// TimeSinceSlotStart returns how far into slot s the current wall-clock
// time is, used only to label duty_start_time/duty_submission_time
// metrics (spec.md §4.8).
func (c *SlotClock) TimeSinceSlotStart(s types.Slot) time.Duration {
	return time.Since(c.TimestampForSlot(s))
}

// RegisterHandler adds a handler invoked on every new-slot tick. Must be
// called before Start.
func (c *SlotClock) RegisterHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		log.Error("RegisterHandler called after Start; handler will never fire")
		return
	}
	c.handlers = append(c.handlers, h)
}

func (c *SlotClock) slotDuration() time.Duration {
	return time.Duration(c.spec.SlotDurationMS) * time.Millisecond
}

// CurrentSlot returns max(0, floor((now - genesis) / slot_duration)).
func (c *SlotClock) CurrentSlot() types.Slot {
	return c.SlotAt(time.Now())
}

// SlotAt computes the slot containing the given wall-clock time.
func (c *SlotClock) SlotAt(t time.Time) types.Slot {
	d := t.Sub(c.genesisTime)
	if d < 0 {
		return 0
	}
	return types.Slot(uint64(d / c.slotDuration()))
}

// TimestampForSlot returns genesis_time + slot * slot_duration.
func (c *SlotClock) TimestampForSlot(s types.Slot) time.Time {
	return c.genesisTime.Add(time.Duration(uint64(s)) * c.slotDuration())
}

// CurrentEpoch returns the epoch containing CurrentSlot.
func (c *SlotClock) CurrentEpoch() types.Epoch {
	return c.CurrentSlot().ToEpoch(c.spec.SlotsPerEpoch)
}

// WaitForNextSlot sleeps until the next slot boundary, achieving <=1ms drift
// by sleeping to deadline-16ms then spinning with zero-duration yields
// (spec.md §4.1).
func (c *SlotClock) WaitForNextSlot(ctx context.Context) error {
	next := c.CurrentSlot() + 1
	return c.waitUntil(ctx, c.TimestampForSlot(next))
}

// WaitForEpoch sleeps until the first slot of epoch e.
func (c *SlotClock) WaitForEpoch(ctx context.Context, e types.Epoch) error {
	return c.waitUntil(ctx, c.TimestampForSlot(e.StartSlot(c.spec.SlotsPerEpoch)))
}

func (c *SlotClock) waitUntil(ctx context.Context, deadline time.Time) error {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		sleep := remaining - spinPrecision
		if sleep <= 0 {
			// Spin with zero-duration yields for the final stretch.
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				time.Sleep(0)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// GetFork picks the active fork for the slot's epoch: the newest
// fork-activation entry whose epoch <= the slot's epoch wins (spec.md §4.1).
func (c *SlotClock) GetFork(s types.Slot) (types.Fork, error) {
	return c.spec.ForkAt(s.ToEpoch(c.spec.SlotsPerEpoch))
}

// GetForkVersion is a convenience wrapper over GetFork.
func (c *SlotClock) GetForkVersion(s types.Slot) (types.ForkVersion, error) {
	f, err := c.GetFork(s)
	if err != nil {
		return types.ForkVersion{}, err
	}
	return f.Version, nil
}

// Run drives the clock: on every new slot boundary it invokes all
// registered handlers concurrently (each its own goroutine) and reschedules
// for the next boundary. A missed tick (overshoot) skips intervening slots
// rather than replaying them, because each iteration recomputes CurrentSlot
// from wall time instead of incrementing a counter (spec.md §4.1 contract).
func (c *SlotClock) Run(ctx context.Context) {
	c.mu.Lock()
	c.started = true
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()

	lastEpoch := types.Epoch(0)
	first := true

	for {
		if err := c.WaitForNextSlot(ctx); err != nil {
			return
		}
		slot := c.CurrentSlot()
		epoch := slot.ToEpoch(c.spec.SlotsPerEpoch)
		isNewEpoch := first || epoch != lastEpoch
		lastEpoch = epoch
		first = false

		if isNewEpoch {
			log.WithField("slot", slot).WithField("epoch", epoch).Info("new epoch")
		} else {
			log.WithField("slot", slot).Info("new slot")
		}

		for _, h := range handlers {
			h := h
			go h(ctx, slot, isNewEpoch)
		}

		if ctx.Err() != nil {
			return
		}
	}
}
