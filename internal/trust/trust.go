// Package trust adjusts storage peer reputation.
package trust

import (
	"context"
	"math"

	"Bundler/internal/ledger"
	"Bundler/internal/logger"
)

const (
	// Max is the trust ceiling.
	Max = 100.0

	// step is the finite-difference width of the praise increment.
	step = 0.001

	// weight scales the log2 curve of the praise increment.
	weight = 16.0
)

// Store reads and writes peer trust through the ledger. Each adjustment
// is one ledger transaction, so concurrent updates never lose a step.
type Store struct {
	ledger *ledger.Ledger
}

// New creates a Store over l.
func New(l *ledger.Ledger) *Store {
	return &Store{ledger: l}
}

// Praised returns the trust after one praise: the value grows by the
// central-difference slope of 16*log2(x+1), a step that shrinks as trust
// rises, and saturates at Max.
func Praised(x float64) float64 {
	delta := (weight*math.Log2(x+1+step) - weight*math.Log2(x+1-step)) / (2 * step)
	return math.Min(Max, x+delta)
}

// Punished returns the trust after one punish.
func Punished(x float64) float64 {
	return math.Max(0, x-1)
}

// Praise raises a peer's trust. Errors are logged, never returned. A done
// context skips the update.
func (s *Store) Praise(ctx context.Context, peer string) {
	s.adjust(ctx, peer, "praise", Praised)
}

// Punish lowers a peer's trust. Errors are logged, never returned. A done
// context skips the update.
func (s *Store) Punish(ctx context.Context, peer string) {
	s.adjust(ctx, peer, "punish", Punished)
}

// Ranked returns every known peer by descending trust.
func (s *Store) Ranked(_ context.Context) ([]*ledger.Peer, error) {
	return s.ledger.RankedPeers()
}

func (s *Store) adjust(ctx context.Context, peer, action string, fn func(float64) float64) {
	if err := ctx.Err(); err != nil {
		logger.Debug("trust update skipped", "action", action, "peer", peer, "error", err)
		return
	}

	from, to, err := s.ledger.AdjustTrust(peer, fn)
	if err != nil {
		logger.Warn("trust update failed", "action", action, "peer", peer, "error", err)
		return
	}

	logger.Debug("trust updated", "action", action, "peer", peer, "from", from, "to", to)
}
