package main

import (
	"Bundler/internal/jobs"
	"Bundler/internal/logger"
	"Bundler/internal/taskqueue"
)

// setupTaskHandlers installs the failure hooks and starts one worker pool
// per task kind.
func (n *Node) setupTaskHandlers() {
	n.reconciler.Register(n.queue)

	n.queue.OnFailed(func(t *taskqueue.Task, err error) {
		logger.Warn("task failed",
			"kind", t.Kind,
			"task", t.ID,
			"attempts", t.AttemptsMade,
			"error", err,
		)
	})

	n.queue.OnCompleted(func(t *taskqueue.Task) {
		logger.Debug("task completed", "kind", t.Kind, "task", t.ID, "result", t.Result)
	})

	workers := n.cfg.Workers

	n.queue.Process(jobs.KindPost, workers, n.poster.Handle)
	n.queue.Process(jobs.KindSeed, workers, n.seeder.HandleSeed)
	n.queue.Process(jobs.KindReseed, workers, n.seeder.HandleReseed)
	n.queue.Process(jobs.KindVerify, workers, n.reconciler.HandleVerify)
}
