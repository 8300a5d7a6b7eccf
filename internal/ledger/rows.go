package ledger

import (
	"fmt"
	"math/big"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"Bundler/internal/types"
)

// encodeItem serializes an item row.
func encodeItem(it *DataItem) []byte {
	builder := flatbuffers.NewBuilder(256)

	fee := "0"
	if it.Fee != nil {
		fee = it.Fee.String()
	}

	idOffset := builder.CreateString(it.ID)
	addressOffset := builder.CreateString(it.Address)
	currencyOffset := builder.CreateString(it.Currency)
	feeOffset := builder.CreateString(fee)
	feeTxOffset := builder.CreateString(it.FeeTransaction)
	sigOffset := builder.CreateByteVector(it.Signature)

	types.DataItemStart(builder)
	types.DataItemAddId(builder, idOffset)
	types.DataItemAddAddress(builder, addressOffset)
	types.DataItemAddSize(builder, it.Size)
	types.DataItemAddCurrency(builder, currencyOffset)
	types.DataItemAddFee(builder, feeOffset)
	types.DataItemAddFeeTransaction(builder, feeTxOffset)
	types.DataItemAddSignature(builder, sigOffset)
	types.DataItemAddCurrentBlock(builder, it.CurrentBlock)
	types.DataItemAddExpectedBlock(builder, it.ExpectedBlock)
	types.DataItemAddBundleId(builder, it.BundleID)
	types.DataItemAddRequeued(builder, it.Requeued)
	types.DataItemAddCreatedAt(builder, it.CreatedAt.UnixNano())
	builder.Finish(types.DataItemEnd(builder))

	return builder.FinishedBytes()
}

// decodeItem parses an item row.
func decodeItem(data []byte) (*DataItem, error) {
	row := types.GetRootAsDataItem(data, 0)

	fee, ok := new(big.Int).SetString(string(row.Fee()), 10)
	if !ok {
		return nil, fmt.Errorf("invalid fee %q", row.Fee())
	}

	sig := make([]byte, len(row.SignatureBytes()))
	copy(sig, row.SignatureBytes())

	return &DataItem{
		ID:             string(row.Id()),
		Address:        string(row.Address()),
		Size:           row.Size(),
		Currency:       string(row.Currency()),
		Fee:            fee,
		FeeTransaction: string(row.FeeTransaction()),
		Signature:      sig,
		CurrentBlock:   row.CurrentBlock(),
		ExpectedBlock:  row.ExpectedBlock(),
		BundleID:       row.BundleId(),
		Requeued:       row.Requeued(),
		CreatedAt:      time.Unix(0, row.CreatedAt()),
	}, nil
}

// encodeBundle serializes a bundle row.
func encodeBundle(b *Bundle) []byte {
	builder := flatbuffers.NewBuilder(128)

	var txOffset flatbuffers.UOffsetT
	if b.TxID != "" {
		txOffset = builder.CreateString(b.TxID)
	}

	types.BundleStart(builder)
	types.BundleAddId(builder, b.ID)
	if b.TxID != "" {
		types.BundleAddTxId(builder, txOffset)
	}
	types.BundleAddSeeded(builder, b.Seeded)
	types.BundleAddRequeued(builder, b.Requeued)
	types.BundleAddJobId(builder, b.JobID)
	types.BundleAddBlockPosted(builder, b.BlockPosted)
	types.BundleAddCreatedAt(builder, b.CreatedAt.UnixNano())
	builder.Finish(types.BundleEnd(builder))

	return builder.FinishedBytes()
}

// decodeBundle parses a bundle row.
func decodeBundle(data []byte) *Bundle {
	row := types.GetRootAsBundle(data, 0)

	return &Bundle{
		ID:          row.Id(),
		TxID:        string(row.TxId()),
		Seeded:      row.Seeded(),
		Requeued:    row.Requeued(),
		JobID:       row.JobId(),
		BlockPosted: row.BlockPosted(),
		CreatedAt:   time.Unix(0, row.CreatedAt()),
	}
}

// encodePeer serializes a peer row.
func encodePeer(p *Peer) []byte {
	builder := flatbuffers.NewBuilder(64)

	addrOffset := builder.CreateString(p.Address)

	types.PeerStart(builder)
	types.PeerAddAddress(builder, addrOffset)
	types.PeerAddTrust(builder, p.Trust)
	types.PeerAddCreatedAt(builder, p.CreatedAt.UnixNano())
	builder.Finish(types.PeerEnd(builder))

	return builder.FinishedBytes()
}

// decodePeer parses a peer row.
func decodePeer(data []byte) *Peer {
	row := types.GetRootAsPeer(data, 0)

	return &Peer{
		Address:   string(row.Address()),
		Trust:     row.Trust(),
		CreatedAt: time.Unix(0, row.CreatedAt()),
	}
}
