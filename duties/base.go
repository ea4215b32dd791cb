// Package duties implements the per-duty scheduling services: attest,
// aggregate, propose blocks, and sync-committee message/contribution
// production, each driven off the slot clock and guarded against
// double-signing across races (spec.md §4.8).
package duties

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/sentrynode/validator/errtype"
	"github.com/sentrynode/validator/types"
)

// Kind identifies which duty a service performs, used only for metric
// labels and logging.
type Kind string

const (
	KindAttestation               Kind = "attestation"
	KindAttestationAggregation    Kind = "attestation-aggregation"
	KindBlockProposal             Kind = "block-proposal"
	KindSyncCommitteeMessage      Kind = "sync-committee-message"
	KindSyncCommitteeContribution Kind = "sync-committee-contribution"
)

var dutyStartTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "duty_start_time",
	Help:    "Time into slot at which a duty starts",
	Buckets: quarterSecondBuckets(12),
}, []string{"duty"})

var dutySubmissionTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "duty_submission_time",
	Help:    "Time into slot at which data for a duty is about to be submitted",
	Buckets: quarterSecondBuckets(12),
}, []string{"duty"})

func quarterSecondBuckets(n int) []float64 {
	out := make([]float64, 0, n*4)
	for i := 0; i < n; i++ {
		f := float64(i)
		out = append(out, f, f+0.25, f+0.5, f+0.75)
	}
	return out
}

// ObserveStart records how far into the slot a duty started executing.
func ObserveStart(kind Kind, secondsIntoSlot float64) {
	dutyStartTime.WithLabelValues(string(kind)).Observe(secondsIntoSlot)
}

// ObserveSubmission records how far into the slot a duty's data was
// about to be submitted.
func ObserveSubmission(kind Kind, secondsIntoSlot float64) {
	dutySubmissionTime.WithLabelValues(string(kind)).Observe(secondsIntoSlot)
}

var errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "errors_total",
	Help: "Errors encountered while performing duties, by kind",
}, []string{"error_type"})

// RecordError increments the error counter for a classified error. Every
// duty service calls this on its own failure path instead of logging
// alone, so dashboards can alert on error_type trends (spec.md §7).
func RecordError(err error) {
	kind := errtype.KindTransientNetwork
	var te *errtype.Error
	if asErrtype(err, &te) {
		kind = te.Kind
	}
	errorsTotal.WithLabelValues(string(kind)).Inc()
}

func asErrtype(err error, target **errtype.Error) bool {
	for err != nil {
		if te, ok := err.(*errtype.Error); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// SlashingGate is read by every slashable-duty service before it acts.
type SlashingGate interface {
	SlashingDetected() bool
}

// Base holds the monotonic start/completion guards every duty service
// needs to avoid double-signing the same slot across the head-event and
// slot-deadline race (spec.md §4.8, §8 invariant S1).
type Base struct {
	log *logrus.Entry

	lastSlotStarted   int64 // atomic, holds types.Slot as int64; -1 means "never"
	lastSlotCompleted int64
}

// NewBase constructs a Base with no duty yet performed.
func NewBase(log *logrus.Entry) Base {
	return Base{log: log, lastSlotStarted: -1, lastSlotCompleted: -1}
}

// TryStart attempts to claim slot for this service. It refuses (returns
// false) if a duty for this or a later slot has already started --
// guards against the head-event and slot-deadline paths both firing for
// the same slot (spec.md §5, "ordering guarantees within a slot").
func (b *Base) TryStart(slot types.Slot) bool {
	for {
		cur := atomic.LoadInt64(&b.lastSlotStarted)
		if cur >= int64(slot) {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.lastSlotStarted, cur, int64(slot)) {
			return true
		}
	}
}

// MarkCompleted records that slot's duty finished, monotonically.
func (b *Base) MarkCompleted(slot types.Slot) {
	for {
		cur := atomic.LoadInt64(&b.lastSlotCompleted)
		if cur >= int64(slot) {
			return
		}
		if atomic.CompareAndSwapInt64(&b.lastSlotCompleted, cur, int64(slot)) {
			return
		}
	}
}

// LastSlotStarted returns the most recent slot this service began a
// duty for, or -1 if none yet.
func (b *Base) LastSlotStarted() int64 { return atomic.LoadInt64(&b.lastSlotStarted) }

// LastSlotCompleted returns the most recent slot this service finished
// a duty for, or -1 if none yet.
func (b *Base) LastSlotCompleted() int64 { return atomic.LoadInt64(&b.lastSlotCompleted) }

// HasOngoingDuty reports whether a duty has started but not completed
// for the most recent slot claimed -- used by graceful shutdown to
// decide whether to wait (spec.md §5, shutdown sequencing).
func (b *Base) HasOngoingDuty() bool {
	return b.LastSlotStarted() > b.LastSlotCompleted()
}

// UpdateDutiesLoop runs fn once immediately, then re-runs it at the
// start of every subsequent epoch; on failure it retries in 1 second
// instead of waiting for the epoch boundary (spec.md §4.8 base
// contract). It blocks until ctx is cancelled.
func UpdateDutiesLoop(ctx context.Context, log *logrus.Entry, waitForEpoch func(ctx context.Context, e types.Epoch) error, currentEpoch func() types.Epoch, fn func(ctx context.Context) error) {
	for {
		if err := fn(ctx); err != nil {
			log.WithError(err).Error("failed to update duties")
			select {
			case <-ctx.Done():
				return
			case <-time.After(1 * time.Second):
			}
			continue
		}
		next := currentEpoch() + 1
		if err := waitForEpoch(ctx, next); err != nil {
			return
		}
	}
}
