package chain

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeGateway is an in-memory gateway and peer endpoint.
type fakeGateway struct {
	mu     sync.Mutex
	txs    []Transaction
	chunks int
}

func (f *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"height": 1234}`)
	})
	mux.HandleFunc("GET /price/{size}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1000")
	})
	mux.HandleFunc("GET /tx_anchor", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "anchor")
	})
	mux.HandleFunc("GET /tx/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "confirmed":
			fmt.Fprint(w, `{"block_height": 900, "number_of_confirmations": 20}`)
		case "pending":
			w.WriteHeader(http.StatusAccepted)
		case "moved":
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("GET /tx/{id}/offset", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"size": "100", "offset": "1099"}`)
	})
	mux.HandleFunc("GET /data_sync_record/{start}/1", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("start") != "999" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `[{"2000": "500"}]`)
	})
	mux.HandleFunc("POST /tx", func(w http.ResponseWriter, r *http.Request) {
		var tx Transaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.txs = append(f.txs, tx)
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /chunk", func(w http.ResponseWriter, r *http.Request) {
		var c chunkPayload
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.chunks++
		f.mu.Unlock()
	})

	return mux
}

func newTestGateway(t *testing.T) (*Gateway, *fakeGateway, *httptest.Server) {
	t.Helper()

	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	fake := &fakeGateway{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	return NewGateway(srv.URL, NewKeySigner(key), 1000), fake, srv
}

func TestStatusCodes(t *testing.T) {
	g, _, _ := newTestGateway(t)
	ctx := context.Background()

	tests := map[string]Status{
		"confirmed": {Code: 200, Confirmations: 20, BlockHeight: 900},
		"pending":   {Code: 202},
		"moved":     {Code: 302},
		"missing":   {Code: 404},
	}

	for id, want := range tests {
		got, err := g.Status(ctx, id)
		if err != nil {
			t.Fatalf("Status(%s) failed: %v", id, err)
		}
		if got != want {
			t.Errorf("Status(%s) = %+v, want %+v", id, got, want)
		}
	}
}

func TestCreateSignSubmit(t *testing.T) {
	g, fake, _ := newTestGateway(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte{7}, ChunkSize+10)

	tx, err := g.CreateTransaction(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	if tx.Reward != "1000" || tx.LastTx != "anchor" || tx.DataSize != fmt.Sprint(len(data)) {
		t.Fatalf("unexpected tx %+v", tx)
	}

	tx.AddTag("Application", "Bundlr")
	if err := tx.ScaleReward(1.5); err != nil {
		t.Fatalf("ScaleReward failed: %v", err)
	}
	if tx.Reward != "1500" {
		t.Errorf("scaled reward = %s, want 1500", tx.Reward)
	}

	if err := g.Sign(ctx, tx); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := Verify(tx); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if err := g.Submit(ctx, tx, bytes.NewReader(data)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(fake.txs) != 1 || fake.txs[0].ID != tx.ID || fake.chunks != 2 {
		t.Errorf("gateway got %d txs, %d chunks", len(fake.txs), fake.chunks)
	}
}

func TestSubmitRejectsSizeMismatch(t *testing.T) {
	g, _, _ := newTestGateway(t)

	tx := &Transaction{DataSize: "10"}
	err := g.Submit(context.Background(), tx, strings.NewReader("short"))
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	_, key, _ := ed25519.GenerateKey(nil)
	s := NewKeySigner(key)

	tx := &Transaction{Format: 2, DataSize: "1", DataRoot: "root", Reward: "10"}
	if err := s.Sign(tx); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	tx.Reward = "11"
	if err := Verify(tx); err == nil {
		t.Error("tampered reward verified")
	}
}

func TestPeerOffsetAndSyncRecord(t *testing.T) {
	_, _, srv := newTestGateway(t)
	p := NewHTTPPeers(1000)
	ctx := context.Background()

	peer := strings.TrimPrefix(srv.URL, "http://")

	off, err := p.Offset(ctx, peer, "tx")
	if err != nil {
		t.Fatalf("Offset failed: %v", err)
	}
	if off.Size != 100 || off.Offset != 1099 {
		t.Fatalf("offset = %+v", off)
	}

	rng, err := p.SyncRecord(ctx, peer, off.Offset-off.Size)
	if err != nil {
		t.Fatalf("SyncRecord failed: %v", err)
	}
	if rng.Start != 500 || rng.End != 2000 {
		t.Fatalf("range = %+v", rng)
	}

	if !rng.Covers(off) {
		t.Error("range should cover offset")
	}
}

func TestCovers(t *testing.T) {
	r := SyncRange{Start: 100, End: 200}

	cases := []struct {
		off  Offset
		want bool
	}{
		{Offset{Size: 50, Offset: 200}, true},
		{Offset{Size: 100, Offset: 200}, true},
		{Offset{Size: 101, Offset: 200}, false},
		{Offset{Size: 10, Offset: 201}, false},
		{Offset{Size: 300, Offset: 200}, false},
	}

	for _, c := range cases {
		if got := r.Covers(c.off); got != c.want {
			t.Errorf("Covers(%+v) = %v, want %v", c.off, got, c.want)
		}
	}
}

func TestTransactionNotFound(t *testing.T) {
	g, _, _ := newTestGateway(t)

	if _, err := g.Transaction(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestComputeChunksDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), ChunkSize)

	a, err := ComputeChunks(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ComputeChunks failed: %v", err)
	}
	b, err := ComputeChunks(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ComputeChunks failed: %v", err)
	}

	if a.Root != b.Root || a.Size != uint64(len(data)) || len(a.Chunks) != 3 {
		t.Errorf("root/size/chunks = %x/%d/%d", a.Root, a.Size, len(a.Chunks))
	}

	data[0] ^= 1
	c, _ := ComputeChunks(bytes.NewReader(data))
	if c.Root == a.Root {
		t.Error("root did not change with data")
	}
}
