package chain

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
)

const (
	// transactionFormat is the transaction layout version produced.
	transactionFormat = 2

	// defaultGatewayRPS bounds requests to the gateway.
	defaultGatewayRPS = 20
)

// Gateway is a Client backed by the network's HTTP gateway.
type Gateway struct {
	base   string    // base is the gateway URL without a trailing slash
	http   *httpDoer // http issues rate-limited requests
	signer Signer    // signer signs created transactions
}

// NewGateway creates a Gateway client. rps <= 0 uses the default rate.
func NewGateway(baseURL string, signer Signer, rps float64) *Gateway {
	if rps <= 0 {
		rps = defaultGatewayRPS
	}

	return &Gateway{
		base:   strings.TrimRight(baseURL, "/"),
		http:   newHTTPDoer(rps, max(1, int(rps))),
		signer: signer,
	}
}

// CurrentBlockHeight returns the network height.
func (g *Gateway) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	var info struct {
		Height decimal `json:"height"`
	}

	if err := g.http.getJSON(ctx, g.base+"/info", &info); err != nil {
		return 0, fmt.Errorf("get info:\n%w", err)
	}

	return uint64(info.Height), nil
}

// Status returns the gateway's status for txID. Non-200 answers are
// reported through Code, not as errors.
func (g *Gateway) Status(ctx context.Context, txID string) (Status, error) {
	resp, err := g.http.do(ctx, http.MethodGet, g.base+"/tx/"+txID+"/status", "", nil)
	if err != nil {
		return Status{}, err
	}
	defer drain(resp)

	status := Status{Code: resp.StatusCode}
	if resp.StatusCode != http.StatusOK {
		return status, nil
	}

	var body struct {
		Confirmations decimal `json:"number_of_confirmations"`
		BlockHeight   decimal `json:"block_height"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return Status{}, fmt.Errorf("decode status:\n%w", err)
	}

	status.Confirmations = uint64(body.Confirmations)
	status.BlockHeight = uint64(body.BlockHeight)

	return status, nil
}

// Price returns the network fee quote for storing size bytes.
func (g *Gateway) Price(ctx context.Context, size uint64) (*big.Int, error) {
	text, err := g.http.getText(ctx, g.base+"/price/"+strconv.FormatUint(size, 10))
	if err != nil {
		return nil, fmt.Errorf("get price:\n%w", err)
	}

	price, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("invalid price %q", text)
	}

	return price, nil
}

// CreateTransaction builds an unsigned transaction over data with the
// quoted reward and a fresh anchor.
func (g *Gateway) CreateTransaction(ctx context.Context, data io.Reader) (*Transaction, error) {
	chunks, err := ComputeChunks(data)
	if err != nil {
		return nil, fmt.Errorf("chunk data:\n%w", err)
	}

	price, err := g.Price(ctx, chunks.Size)
	if err != nil {
		return nil, err
	}

	anchor, err := g.http.getText(ctx, g.base+"/tx_anchor")
	if err != nil {
		return nil, fmt.Errorf("get anchor:\n%w", err)
	}

	return &Transaction{
		Format:   transactionFormat,
		LastTx:   anchor,
		DataSize: strconv.FormatUint(chunks.Size, 10),
		DataRoot: chunks.RootString(),
		Reward:   price.String(),
	}, nil
}

// Sign signs tx with the configured signer.
func (g *Gateway) Sign(_ context.Context, tx *Transaction) error {
	if g.signer == nil {
		return fmt.Errorf("no signer configured")
	}

	return g.signer.Sign(tx)
}

// Submit uploads the transaction and its data to the gateway.
func (g *Gateway) Submit(ctx context.Context, tx *Transaction, data io.Reader) error {
	return g.http.upload(ctx, g.base, tx, data)
}

// Transaction fetches a transaction header.
func (g *Gateway) Transaction(ctx context.Context, txID string) (*Transaction, error) {
	var tx Transaction

	if err := g.http.getJSON(ctx, g.base+"/tx/"+txID, &tx); err != nil {
		return nil, err
	}

	return &tx, nil
}
