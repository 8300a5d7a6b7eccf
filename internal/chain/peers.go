package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

const (
	// peerQueryTimeout bounds one offset or sync record query.
	peerQueryTimeout = 7500 * time.Millisecond

	// defaultPeerRPS bounds requests across all peers.
	defaultPeerRPS = 50
)

// HTTPPeers is a PeerClient speaking the peers' HTTP API.
type HTTPPeers struct {
	http *httpDoer
}

// NewHTTPPeers creates a peer client. rps <= 0 uses the default rate.
func NewHTTPPeers(rps float64) *HTTPPeers {
	if rps <= 0 {
		rps = defaultPeerRPS
	}

	return &HTTPPeers{http: newHTTPDoer(rps, max(1, int(rps)))}
}

// Upload pushes tx and its data to peer. Cancelling ctx aborts the
// in-flight request.
func (p *HTTPPeers) Upload(ctx context.Context, peer string, tx *Transaction, data io.Reader) error {
	return p.http.upload(ctx, peerURL(peer), tx, data)
}

// Offset returns where peer stores the data of txID.
func (p *HTTPPeers) Offset(ctx context.Context, peer, txID string) (Offset, error) {
	ctx, cancel := context.WithTimeout(ctx, peerQueryTimeout)
	defer cancel()

	var body struct {
		Size   decimal `json:"size"`
		Offset decimal `json:"offset"`
	}

	if err := p.http.getJSON(ctx, peerURL(peer)+"/tx/"+txID+"/offset", &body); err != nil {
		return Offset{}, err
	}

	return Offset{Size: uint64(body.Size), Offset: uint64(body.Offset)}, nil
}

// SyncRecord returns the synced interval of peer that contains start.
// The peer answers with a list of {"<end>": "<start>"} objects.
func (p *HTTPPeers) SyncRecord(ctx context.Context, peer string, start uint64) (SyncRange, error) {
	ctx, cancel := context.WithTimeout(ctx, peerQueryTimeout)
	defer cancel()

	var records []map[string]decimal

	url := peerURL(peer) + "/data_sync_record/" + strconv.FormatUint(start, 10) + "/1"
	if err := p.http.getJSON(ctx, url, &records); err != nil {
		return SyncRange{}, err
	}

	if len(records) == 0 || len(records[0]) != 1 {
		return SyncRange{}, fmt.Errorf("peer %s: empty sync record", peer)
	}

	for end, begin := range records[0] {
		e, err := strconv.ParseUint(end, 10, 64)
		if err != nil {
			return SyncRange{}, fmt.Errorf("peer %s: invalid sync end %q", peer, end)
		}

		return SyncRange{Start: uint64(begin), End: e}, nil
	}

	return SyncRange{}, nil
}

func peerURL(peer string) string {
	return "http://" + peer
}

// decodeJSON decodes one JSON value from r.
func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
