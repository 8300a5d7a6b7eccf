package seeder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Bundler/internal/chain"
	"Bundler/internal/container"
	"Bundler/internal/jobs"
	"Bundler/internal/kvcache"
	"Bundler/internal/ledger"
	"Bundler/internal/objectstore"
	"Bundler/internal/poster"
	"Bundler/internal/storage"
	"Bundler/internal/taskqueue"
	"Bundler/internal/trust"
)

// behavior is how a fake peer answers an upload.
type behavior struct {
	delay time.Duration // delay before accepting
	fail  bool          // fail rejects every upload
	hang  bool          // hang blocks until the upload is cancelled
}

// fakePeers is an in-memory chain.PeerClient.
type fakePeers struct {
	mu       sync.Mutex
	peers    map[string]behavior
	calls    map[string]int
	received map[string][]byte
}

func newFakePeers(peers map[string]behavior) *fakePeers {
	return &fakePeers{peers: peers, calls: make(map[string]int), received: make(map[string][]byte)}
}

func (f *fakePeers) Upload(ctx context.Context, peer string, _ *chain.Transaction, data io.Reader) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.calls[peer]++
	b := f.peers[peer]
	f.mu.Unlock()

	switch {
	case b.hang:
		<-ctx.Done()
		return ctx.Err()
	case b.fail:
		return errors.New("peer rejected upload")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.delay):
	}

	f.mu.Lock()
	f.received[peer] = body
	f.mu.Unlock()

	return nil
}

func (f *fakePeers) Offset(context.Context, string, string) (chain.Offset, error) {
	return chain.Offset{}, errors.New("not implemented")
}

func (f *fakePeers) SyncRecord(context.Context, string, uint64) (chain.SyncRange, error) {
	return chain.SyncRange{}, errors.New("not implemented")
}

func (f *fakePeers) callCount(peer string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[peer]
}

// networkOnly serves transactions that are not in the cache.
type networkOnly struct{ tx *chain.Transaction }

func (n *networkOnly) CurrentBlockHeight(context.Context) (uint64, error) { return 0, nil }
func (n *networkOnly) Status(context.Context, string) (chain.Status, error) {
	return chain.Status{}, nil
}
func (n *networkOnly) Price(context.Context, uint64) (*big.Int, error) { return big.NewInt(0), nil }
func (n *networkOnly) CreateTransaction(context.Context, io.Reader) (*chain.Transaction, error) {
	return nil, errors.New("not implemented")
}
func (n *networkOnly) Sign(context.Context, *chain.Transaction) error { return nil }
func (n *networkOnly) Submit(context.Context, *chain.Transaction, io.Reader) error {
	return nil
}
func (n *networkOnly) Transaction(_ context.Context, txID string) (*chain.Transaction, error) {
	if n.tx == nil || n.tx.ID != txID {
		return nil, chain.ErrNotFound
	}
	return n.tx, nil
}

type testEnv struct {
	ledger  *ledger.Ledger
	queue   *taskqueue.Queue
	cache   *kvcache.Cache
	store   *objectstore.Local
	chain   *networkOnly
	peers   *fakePeers
	seeder  *Seeder
	builder *container.Builder
}

func newTestEnv(t *testing.T, peers map[string]behavior, cfg Config) *testEnv {
	t.Helper()

	dir := t.TempDir()

	db, err := storage.New(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	cache, err := kvcache.New(db)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	q := taskqueue.New(db, taskqueue.Config{})

	store, err := objectstore.NewLocal(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	builder, err := container.NewBuilder(filepath.Join(dir, "work"), store)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}

	l := ledger.New(db)

	var addrs []string
	for addr := range peers {
		addrs = append(addrs, addr)
	}
	if _, err := l.AddPeers(addrs); err != nil {
		t.Fatalf("AddPeers failed: %v", err)
	}

	fp := newFakePeers(peers)
	nc := &networkOnly{}
	s := New(l, q, cache, nc, fp, trust.New(l), builder, cfg)

	t.Cleanup(func() {
		s.Wait()
		q.Close()
		cache.Close()
		db.Close()
	})

	return &testEnv{ledger: l, queue: q, cache: cache, store: store, chain: nc, peers: fp, seeder: s, builder: builder}
}

func testID(n int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("item-%d", n)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// postedBundle creates a bundle of count stored items with a cached
// transaction whose data root matches the container.
func (e *testEnv) postedBundle(t *testing.T, count int) (uint64, *chain.Transaction) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < count; i++ {
		id := testID(i)
		body := bytes.Repeat([]byte{byte(i)}, 100+i)

		if err := e.store.Put(ctx, id, bytes.NewReader(body), int64(len(body)), nil); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := e.ledger.InsertItem(ledger.DataItem{ID: id, Size: uint64(len(body))}); err != nil {
			t.Fatalf("InsertItem failed: %v", err)
		}
	}

	batch, err := e.ledger.CreateBatch(ledger.MaxBundleBytes)
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	ids, _ := e.ledger.ItemIDs(batch.BundleID)
	data, err := e.builder.ReadContainer(ctx, mustHeader(t, e.builder, batch.BundleID, ids), ids)
	if err != nil {
		t.Fatalf("ReadContainer failed: %v", err)
	}

	chunks, _ := chain.ComputeChunks(bytes.NewReader(data))
	tx := &chain.Transaction{ID: fmt.Sprintf("tx-%d", batch.BundleID), DataRoot: chunks.RootString(), DataSize: fmt.Sprint(len(data))}

	if err := poster.CacheTx(e.cache, tx); err != nil {
		t.Fatalf("CacheTx failed: %v", err)
	}
	if err := e.ledger.SetPosted(batch.BundleID, tx.ID, 100, 0); err != nil {
		t.Fatalf("SetPosted failed: %v", err)
	}

	return batch.BundleID, tx
}

func mustHeader(t *testing.T, b *container.Builder, id uint64, ids []string) string {
	t.Helper()

	path, err := b.BuildHeaderFile(context.Background(), id, ids)
	if err != nil {
		t.Fatalf("BuildHeaderFile failed: %v", err)
	}
	return path
}

func testConfig() Config {
	return Config{
		MaxPeerPush:    5,
		Concurrency:    5,
		Retries:        3,
		InitialTimeout: 300 * time.Millisecond,
		MinTimeout:     100 * time.Millisecond,
	}
}

func noLog(string) {}

func TestSeedBundleRound(t *testing.T) {
	peers := map[string]behavior{
		"10.0.0.1:1984": {delay: time.Millisecond},
		"10.0.0.2:1984": {delay: 30 * time.Millisecond},
		"10.0.0.3:1984": {delay: 60 * time.Millisecond},
		"10.0.0.4:1984": {fail: true},
		"10.0.0.5:1984": {hang: true},
	}
	e := newTestEnv(t, peers, testConfig())
	id, _ := e.postedBundle(t, 3)

	for addr := range peers {
		e.ledger.SetTrust(addr, 5)
	}

	round, err := e.seeder.SeedBundle(context.Background(), id, 5, noLog)
	if err != nil {
		t.Fatalf("SeedBundle failed: %v", err)
	}

	if round.Succeeded != 3 {
		t.Errorf("succeeded = %d, want 3", round.Succeeded)
	}
	if round.Fastest != "10.0.0.1:1984" {
		t.Errorf("fastest = %s", round.Fastest)
	}

	trustOf := func(addr string) float64 {
		p, err := e.ledger.Peer(addr)
		if err != nil {
			t.Fatalf("Peer failed: %v", err)
		}
		return p.Trust
	}

	if got, want := trustOf("10.0.0.1:1984"), trust.Praised(trust.Praised(5)); got != want {
		t.Errorf("fastest trust = %f, want %f", got, want)
	}
	if got, want := trustOf("10.0.0.2:1984"), trust.Praised(5); got != want {
		t.Errorf("success trust = %f, want %f", got, want)
	}
	if got := trustOf("10.0.0.4:1984"); got != 4 {
		t.Errorf("failing peer trust = %f, want 4", got)
	}
	if got := trustOf("10.0.0.5:1984"); got != 5 {
		t.Errorf("timed out peer trust = %f, want 5", got)
	}

	// One upload plus three retries, then a single punish.
	if n := e.peers.callCount("10.0.0.4:1984"); n != 4 {
		t.Errorf("failing peer tried %d times, want 4", n)
	}
	if n := e.peers.callCount("10.0.0.5:1984"); n != 1 {
		t.Errorf("hanging peer tried %d times, want 1", n)
	}

	var timedOut int
	for _, a := range round.Attempts {
		if a.TimedOut {
			timedOut++
		}
	}
	if timedOut != 1 {
		t.Errorf("timed out attempts = %d, want 1", timedOut)
	}
}

func TestSeedBundleStopsAtMaxPeerPush(t *testing.T) {
	peers := map[string]behavior{
		"10.0.0.1:1984": {},
		"10.0.0.2:1984": {},
		"10.0.0.3:1984": {},
		"10.0.0.4:1984": {},
	}
	cfg := testConfig()
	cfg.Concurrency = 1
	e := newTestEnv(t, peers, cfg)
	id, _ := e.postedBundle(t, 2)

	round, err := e.seeder.SeedBundle(context.Background(), id, 2, noLog)
	if err != nil {
		t.Fatalf("SeedBundle failed: %v", err)
	}

	total := 0
	for addr := range peers {
		total += e.peers.callCount(addr)
	}

	if round.Succeeded != 2 || total != 2 {
		t.Errorf("succeeded %d with %d uploads, want 2 and 2", round.Succeeded, total)
	}
}

func TestSeedBundlePraisesFastestAfterCut(t *testing.T) {
	peers := map[string]behavior{
		"10.0.0.1:1984": {delay: time.Millisecond},
		"10.0.0.2:1984": {delay: 30 * time.Millisecond},
		"10.0.0.3:1984": {hang: true},
	}
	e := newTestEnv(t, peers, testConfig())
	id, _ := e.postedBundle(t, 2)

	for addr := range peers {
		e.ledger.SetTrust(addr, 5)
	}

	// The second success ends the round before the fastest peer is chosen.
	round, err := e.seeder.SeedBundle(context.Background(), id, 2, noLog)
	if err != nil {
		t.Fatalf("SeedBundle failed: %v", err)
	}
	if round.Succeeded != 2 || round.Fastest != "10.0.0.1:1984" {
		t.Fatalf("round = %d successes, fastest %s", round.Succeeded, round.Fastest)
	}

	p, err := e.ledger.Peer("10.0.0.1:1984")
	if err != nil {
		t.Fatalf("Peer failed: %v", err)
	}
	if want := trust.Praised(trust.Praised(5)); p.Trust != want {
		t.Errorf("fastest trust = %f, want %f", p.Trust, want)
	}

	p, err = e.ledger.Peer("10.0.0.3:1984")
	if err != nil {
		t.Fatalf("Peer failed: %v", err)
	}
	if p.Trust != 5 {
		t.Errorf("cut short peer trust = %f, want 5", p.Trust)
	}
}

func TestSeedBundleNoPeers(t *testing.T) {
	e := newTestEnv(t, map[string]behavior{"10.0.0.1:1984": {fail: true}}, testConfig())
	id, _ := e.postedBundle(t, 1)

	_, err := e.seeder.SeedBundle(context.Background(), id, 5, noLog)
	if !errors.Is(err, ErrNoPeers) {
		t.Errorf("expected ErrNoPeers, got %v", err)
	}
}

func TestSeedBundleFetchesUncachedTx(t *testing.T) {
	e := newTestEnv(t, map[string]behavior{"10.0.0.1:1984": {}}, testConfig())
	id, tx := e.postedBundle(t, 2)

	e.cache.Delete(kvcache.TxKey(tx.ID))
	e.chain.tx = tx

	if _, err := e.seeder.SeedBundle(context.Background(), id, 5, noLog); err != nil {
		t.Fatalf("SeedBundle failed: %v", err)
	}

	e.seeder.Wait()
	e.chain.tx = nil
	if _, err := e.seeder.SeedBundle(context.Background(), id, 5, noLog); !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("expected ErrNotFound without any tx source, got %v", err)
	}
}

func TestSeedBundleDataMismatch(t *testing.T) {
	e := newTestEnv(t, map[string]behavior{"10.0.0.1:1984": {}}, testConfig())
	id, tx := e.postedBundle(t, 2)

	tx.DataRoot = "other"
	poster.CacheTx(e.cache, tx)

	_, err := e.seeder.SeedBundle(context.Background(), id, 5, noLog)
	if !errors.Is(err, ErrDataMismatch) || !errors.Is(err, taskqueue.ErrUnrecoverable) {
		t.Errorf("expected unrecoverable mismatch, got %v", err)
	}
	if e.peers.callCount("10.0.0.1:1984") != 0 {
		t.Error("mismatched container was uploaded")
	}
}

func TestHandleSeedSchedulesVerifyOnce(t *testing.T) {
	e := newTestEnv(t, map[string]behavior{"10.0.0.1:1984": {}}, testConfig())
	id, _ := e.postedBundle(t, 2)

	seedID, err := jobs.Enqueue(e.queue, jobs.KindSeed, id, taskqueue.Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	seed, _ := e.queue.Task(seedID)

	if _, err := e.seeder.HandleSeed(context.Background(), seed); err != nil {
		t.Fatalf("HandleSeed failed: %v", err)
	}

	bundle, _ := e.ledger.Bundle(id)
	verify, err := e.queue.Task(bundle.JobID)
	if err != nil {
		t.Fatalf("verify task missing: %v", err)
	}
	if verify.Kind != jobs.KindVerify || verify.State != taskqueue.StateDelayed || verify.Options.Attempts != 10 {
		t.Errorf("verify task = %+v", verify)
	}

	e.seeder.Wait()
	if _, err := e.seeder.HandleSeed(context.Background(), seed); err != nil {
		t.Fatalf("second HandleSeed failed: %v", err)
	}

	again, _ := e.ledger.Bundle(id)
	if again.JobID != bundle.JobID {
		t.Errorf("second round scheduled another verify: %d != %d", again.JobID, bundle.JobID)
	}

	if err := e.ledger.MarkSeeded(id); err != nil {
		t.Fatalf("MarkSeeded failed: %v", err)
	}
	result, err := e.seeder.HandleSeed(context.Background(), seed)
	if err != nil || result != "already seeded" {
		t.Errorf("seeded bundle = %q, %v", result, err)
	}
}

func TestNextTimeout(t *testing.T) {
	s := &Seeder{cfg: DefaultConfig()}

	cases := map[time.Duration]time.Duration{
		0:                 120 * time.Second,
		10 * time.Second:  60 * time.Second,
		80 * time.Second:  88 * time.Second,
		115 * time.Second: 120 * time.Second,
	}

	for fastest, want := range cases {
		if got := s.nextTimeout(fastest); got != want {
			t.Errorf("nextTimeout(%s) = %s, want %s", fastest, got, want)
		}
	}
}
