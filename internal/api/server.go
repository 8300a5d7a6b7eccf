// Package api serves the operator status endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"Bundler/internal/jobs"
	"Bundler/internal/kvcache"
	"Bundler/internal/ledger"
	"Bundler/internal/logger"
	"Bundler/internal/taskqueue"
)

// taskKinds are reported by /status in this order.
var taskKinds = []string{jobs.KindPost, jobs.KindSeed, jobs.KindReseed, jobs.KindVerify}

// Server is the HTTP status server.
type Server struct {
	addr   string           // addr is the HTTP listen address
	ledger *ledger.Ledger   // ledger provides items, bundles and peers
	queue  *taskqueue.Queue // queue provides task lifecycle counters
	cache  *kvcache.Cache   // cache provides the drop counter and multiplier
	server *http.Server     // server is the underlying HTTP server
}

// New creates a new status server.
func New(addr string, l *ledger.Ledger, q *taskqueue.Queue, c *kvcache.Cache) *Server {
	return &Server{
		addr:   addr,
		ledger: l,
		queue:  q,
		cache:  c,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /bundles/{id}", s.handleBundle)
	mux.HandleFunc("GET /items/{id}", s.handleItem)
	mux.HandleFunc("GET /peers", s.handlePeers)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("status api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type bundleCounts struct {
	Total    int `json:"total"`
	Unposted int `json:"unposted"`
	Posted   int `json:"posted"`
	Seeded   int `json:"seeded"`
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	unbundled, err := s.ledger.CountUnbundled()
	if err != nil {
		writeInternal(w, "count unbundled items", err)
		return
	}

	bundles, err := s.ledger.Bundles()
	if err != nil {
		writeInternal(w, "list bundles", err)
		return
	}

	var bc bundleCounts
	for _, b := range bundles {
		bc.Total++
		switch {
		case b.Seeded:
			bc.Seeded++
		case b.Posted():
			bc.Posted++
		default:
			bc.Unposted++
		}
	}

	tasks := make(map[string]map[string]int, len(taskKinds))
	for _, kind := range taskKinds {
		counts, err := s.queue.Counts(kind)
		if err != nil {
			writeInternal(w, "count tasks", err)
			return
		}

		byState := make(map[string]int, len(counts))
		for state, n := range counts {
			byState[state.String()] = n
		}
		tasks[kind] = byState
	}

	dropped, _ := s.cache.Int(kvcache.KeyDropped)
	multiplier, _ := s.cache.Float(kvcache.KeyRewardMultiplier, 1)

	lastSeeded := ""
	if v, err := s.cache.Get(kvcache.KeyLastSeeded); err == nil {
		lastSeeded = string(v)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"unbundled":        unbundled,
		"bundles":          bc,
		"tasks":            tasks,
		"dropped":          dropped,
		"lastSeeded":       lastSeeded,
		"rewardMultiplier": multiplier,
	})
}

// handleBundle handles GET /bundles/{id} requests.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	id, err := parseBundleID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := s.ledger.Bundle(id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "bundle not found")
		return
	}
	if err != nil {
		writeInternal(w, "load bundle", err)
		return
	}

	members, err := s.ledger.CountItems(id)
	if err != nil {
		writeInternal(w, "count members", err)
		return
	}

	resp := map[string]any{
		"id":          b.ID,
		"txId":        b.TxID,
		"seeded":      b.Seeded,
		"requeued":    b.Requeued,
		"blockPosted": b.BlockPosted,
		"createdAt":   b.CreatedAt,
		"items":       members,
	}

	if job := s.job(b.JobID); job != nil {
		resp["job"] = job
	}

	writeJSON(w, http.StatusOK, resp)
}

// job describes the task driving a bundle, nil when it is gone.
func (s *Server) job(id uint64) map[string]any {
	if id == 0 {
		return nil
	}

	t, err := s.queue.Task(id)
	if err != nil {
		return nil
	}

	logs, _ := s.queue.Logs(id)

	return map[string]any{
		"id":           t.ID,
		"kind":         t.Kind,
		"state":        t.State.String(),
		"attempts":     t.AttemptsMade,
		"result":       t.Result,
		"failedReason": t.FailedReason,
		"logs":         logs,
	}
}

// handleItem handles GET /items/{id} requests.
func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseItemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	it, err := s.ledger.Item(id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		writeInternal(w, "load item", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            it.ID,
		"address":       it.Address,
		"size":          it.Size,
		"currency":      it.Currency,
		"fee":           it.Fee.String(),
		"bundleId":      it.BundleID,
		"requeued":      it.Requeued,
		"expectedBlock": it.ExpectedBlock,
		"createdAt":     it.CreatedAt,
	})
}

type peerView struct {
	Address string  `json:"address"`
	Trust   float64 `json:"trust"`
}

// handlePeers handles GET /peers requests.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.ledger.RankedPeers()
	if err != nil {
		writeInternal(w, "rank peers", err)
		return
	}

	views := make([]peerView, len(peers))
	for i, p := range peers {
		views[i] = peerView{Address: p.Address, Trust: p.Trust}
	}

	writeJSON(w, http.StatusOK, views)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeInternal logs err and answers 500.
func writeInternal(w http.ResponseWriter, what string, err error) {
	logger.Error("status query failed", "query", what, "error", err)
	writeError(w, http.StatusInternalServerError, what+" failed")
}
