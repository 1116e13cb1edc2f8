package flusher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nexuscore/nexusd/internal/logger"
)

// ReservationHolder is a child device capable of replaying its NVMe
// reservation registration after a node restart ("Reservation
// replay on restart").
type ReservationHolder interface {
	ChildURI() string
	ReplayReservation(ctx context.Context) error
}

// ReplayStats holds statistics about a reservation-replay pass.
type ReplayStats struct {
	ChildrenScanned int
	Replayed        int
	Failed          int
}

// ReplayReservations re-registers NVMe persistent reservations for every
// child that held one before a restart, with bounded parallelism.
//
// Safe to call with an empty slice. Nothing in this repository calls it:
// cmd/nexusd starts with an empty registry and replays no reservations.
func ReplayReservations(ctx context.Context, children []ReservationHolder, parallelism int) (*ReplayStats, error) {
	stats := &ReplayStats{ChildrenScanned: len(children)}

	if len(children) == 0 {
		logger.Info("Reservation replay: no children to replay")
		return stats, nil
	}

	if parallelism <= 0 {
		parallelism = 4
	}

	logger.Info("Reservation replay: starting", "children", len(children))

	var wg sync.WaitGroup
	sem := make(chan struct{}, parallelism)
	var replayed, failed int64

	for _, child := range children {
		wg.Add(1)
		sem <- struct{}{}

		go func(c ReservationHolder) {
			defer func() {
				<-sem
				wg.Done()
			}()

			if err := c.ReplayReservation(ctx); err != nil {
				logger.Error("Reservation replay: failed",
					logger.ChildURI(c.ChildURI()), logger.Err(err))
				atomic.AddInt64(&failed, 1)
				return
			}

			logger.Debug("Reservation replay: succeeded", logger.ChildURI(c.ChildURI()))
			atomic.AddInt64(&replayed, 1)
		}(child)
	}

	wg.Wait()

	stats.Replayed = int(replayed)
	stats.Failed = int(failed)

	logger.Info("Reservation replay: completed",
		"scanned", stats.ChildrenScanned, "replayed", stats.Replayed, "failed", stats.Failed)

	if stats.Failed > 0 {
		return stats, fmt.Errorf("reservation replay failed for %d children", stats.Failed)
	}

	return stats, nil
}
