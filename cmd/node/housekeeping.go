package main

import (
	"time"

	"Bundler/internal/container"
	"Bundler/internal/logger"
)

const (
	// housekeepingInterval is the pause between housekeeping passes.
	housekeepingInterval = 10 * time.Minute
)

// housekeepingLoop prunes expired cache entries, stale header files and
// old finished tasks.
func (n *Node) housekeepingLoop() {
	defer n.wg.Done()

	timer := time.NewTimer(housekeepingInterval)
	defer timer.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-timer.C:
			n.housekeep()
			timer.Reset(housekeepingInterval)
		}
	}
}

func (n *Node) housekeep() {
	start := time.Now()

	pruned, err := n.cache.Prune()
	if err != nil {
		logger.Warn("prune cache failed", "error", err)
	}

	headers, err := n.builder.SweepHeaders(container.HeaderMaxAge)
	if err != nil {
		logger.Warn("sweep headers failed", "error", err)
	}

	tasks, err := n.queue.RemoveFinished(start.Add(-n.cfg.FinishedRetention))
	if err != nil {
		logger.Warn("remove finished tasks failed", "error", err)
	}

	if pruned+headers+tasks > 0 {
		logger.Info("housekeeping done",
			"cache", pruned,
			"headers", headers,
			"tasks", tasks,
			logger.Timed(start),
		)
	}
}
