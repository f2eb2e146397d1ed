// codec.go - Fixed-width big-endian input and journal encodings.
//
// Input:   u32 n, n x u128 balance, u32 m, m x (u32 sender, u32 recipient, u128 amount)
// Journal: u32 n, n x u128 old, n x u128 new

package zkvm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zkledger/transferproof/internal/transactions/transfer"
	"github.com/zkledger/transferproof/internal/types"
	"lukechampine.com/uint128"
)

var ErrMalformedEncoding = errors.New("malformed encoding")

// Input is the decoded program input.
type Input struct {
	Balances  []uint128.Uint128
	Transfers []types.IndexedTransfer
}

const transferSize = 4 + 4 + types.AmountSize

// EncodeInput serializes balances and indexed transfers for the executor.
func EncodeInput(balances []uint128.Uint128, transfers []types.IndexedTransfer) []byte {
	buf := make([]byte, 0, 8+len(balances)*types.AmountSize+len(transfers)*transferSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(balances)))
	for _, b := range balances {
		buf = appendAmount(buf, b)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(transfers)))
	for _, t := range transfers {
		buf = binary.BigEndian.AppendUint32(buf, t.Sender)
		buf = binary.BigEndian.AppendUint32(buf, t.Recipient)
		buf = appendAmount(buf, t.Amount)
	}
	return buf
}

// DecodeInput is the inverse of EncodeInput. Trailing bytes are rejected.
func DecodeInput(b []byte) (Input, error) {
	r := reader{buf: b}
	var in Input

	n, err := r.count(types.AmountSize)
	if err != nil {
		return Input{}, fmt.Errorf("input balances: %w", err)
	}
	in.Balances = make([]uint128.Uint128, n)
	for i := range in.Balances {
		in.Balances[i] = r.amount()
	}

	m, err := r.count(transferSize)
	if err != nil {
		return Input{}, fmt.Errorf("input transfers: %w", err)
	}
	in.Transfers = make([]types.IndexedTransfer, m)
	for i := range in.Transfers {
		in.Transfers[i] = types.IndexedTransfer{
			Sender:    r.u32(),
			Recipient: r.u32(),
			Amount:    r.amount(),
		}
	}

	if err := r.done(); err != nil {
		return Input{}, fmt.Errorf("input: %w", err)
	}
	return in, nil
}

// EncodeJournal serializes a journal. Old and New must have equal lengths.
func EncodeJournal(j transfer.Journal) ([]byte, error) {
	if len(j.Old) != len(j.New) {
		return nil, fmt.Errorf("%w: journal has %d old and %d new balances", ErrMalformedEncoding, len(j.Old), len(j.New))
	}
	buf := make([]byte, 0, 4+2*len(j.Old)*types.AmountSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(j.Old)))
	for _, v := range j.Old {
		buf = appendAmount(buf, v)
	}
	for _, v := range j.New {
		buf = appendAmount(buf, v)
	}
	return buf, nil
}

// DecodeJournal is the inverse of EncodeJournal.
func DecodeJournal(b []byte) (transfer.Journal, error) {
	r := reader{buf: b}
	n, err := r.count(2 * types.AmountSize)
	if err != nil {
		return transfer.Journal{}, fmt.Errorf("journal: %w", err)
	}
	j := transfer.Journal{
		Old: make([]uint128.Uint128, n),
		New: make([]uint128.Uint128, n),
	}
	for i := range j.Old {
		j.Old[i] = r.amount()
	}
	for i := range j.New {
		j.New[i] = r.amount()
	}
	if err := r.done(); err != nil {
		return transfer.Journal{}, fmt.Errorf("journal: %w", err)
	}
	return j, nil
}

func appendAmount(buf []byte, v uint128.Uint128) []byte {
	b := types.AmountBytes(v)
	return append(buf, b[:]...)
}

// reader consumes a buffer whose element counts have already been bounds
// checked by count, so the fixed-size reads never run past the end.
type reader struct {
	buf []byte
	off int
}

func (r *reader) count(elemSize int) (int, error) {
	if len(r.buf)-r.off < 4 {
		return 0, fmt.Errorf("%w: truncated length prefix", ErrMalformedEncoding)
	}
	n := int(r.u32())
	if need := n * elemSize; n < 0 || need/elemSize != n || len(r.buf)-r.off < need {
		return 0, fmt.Errorf("%w: %d elements do not fit in %d remaining bytes", ErrMalformedEncoding, n, len(r.buf)-r.off)
	}
	return n, nil
}

func (r *reader) u32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) amount() uint128.Uint128 {
	v := uint128.FromBytesBE(r.buf[r.off : r.off+types.AmountSize])
	r.off += types.AmountSize
	return v
}

func (r *reader) done() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedEncoding, len(r.buf)-r.off)
	}
	return nil
}
