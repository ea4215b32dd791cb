// Package shutdown coordinates a graceful exit: on SIGINT/SIGTERM it
// waits for any duty service with work in flight to finish before letting
// the process stop, so a shutdown never truncates a signature mid-duty
// (spec.md §5, shutdown sequencing).
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "shutdown")

// Service is anything the coordinator must drain before exiting.
type Service interface {
	HasOngoingDuty() bool
}

// pollInterval is how often the coordinator re-checks whether every
// service has finished its in-flight duty.
const pollInterval = 200 * time.Millisecond

// WaitForCompletion blocks until none of services report an ongoing duty,
// polling at pollInterval. It returns early if ctx is cancelled.
func WaitForCompletion(ctx context.Context, services []Service) {
	for {
		var ongoing []Service
		for _, s := range services {
			if s.HasOngoingDuty() {
				ongoing = append(ongoing, s)
			}
		}
		if len(ongoing) == 0 {
			return
		}

		log.WithField("count", len(ongoing)).Info("waiting for validator duties to be completed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// Coordinator listens for SIGINT/SIGTERM and drains services before
// cancelling its root context, giving every in-flight duty a chance to
// finish publishing before the process exits. A second signal during the
// drain forces an immediate cancellation.
type Coordinator struct {
	services []Service
}

// NewCoordinator constructs a Coordinator watching services.
func NewCoordinator(services []Service) *Coordinator {
	return &Coordinator{services: services}
}

// Run starts a goroutine that waits for a shutdown signal, drains
// in-flight duties and then cancels the returned context. Run itself
// returns immediately.
func (c *Coordinator) Run(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)

		sig := <-sigc
		log.WithField("signal", sig.String()).Info("received shutdown signal")

		drained := make(chan struct{})
		go func() {
			WaitForCompletion(ctx, c.services)
			close(drained)
		}()

		select {
		case <-drained:
			log.Info("shutting down")
		case <-sigc:
			log.Warn("received second shutdown signal, shutting down immediately")
		}
		cancel()
	}()

	return ctx, cancel
}
