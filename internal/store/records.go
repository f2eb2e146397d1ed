// records.go - Persisted batch receipts and statuses.

package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
)

const (
	prefixReceipt byte = 0x10
	prefixStatus  byte = 0x11
)

// ReceiptRecord is everything needed to resubmit a proven batch.
type ReceiptRecord struct {
	Program  zkvm.ProgramID  `cbor:"1,keyasint"`
	Accounts []types.Account `cbor:"2,keyasint"`
	Receipt  zkvm.Receipt    `cbor:"3,keyasint"`
}

// StatusRecord is the last known state of a batch.
type StatusRecord struct {
	State     types.BatchState `cbor:"1,keyasint" json:"state"`
	Transfers int              `cbor:"2,keyasint" json:"transfers"`
	Error     string           `cbor:"3,keyasint,omitempty" json:"error,omitempty"`
	UpdatedAt time.Time        `cbor:"4,keyasint" json:"updated_at"`
}

// Records stores receipts and statuses keyed by batch id.
type Records struct {
	kv  *KV
	enc cbor.EncMode
}

func NewRecords(kv *KV) (*Records, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, err
	}
	return &Records{kv: kv, enc: enc}, nil
}

func (r *Records) PutReceipt(id types.BatchID, rec ReceiptRecord) error {
	return r.put(key(prefixReceipt, id), rec)
}

func (r *Records) GetReceipt(id types.BatchID) (ReceiptRecord, error) {
	var rec ReceiptRecord
	err := r.get(key(prefixReceipt, id), &rec)
	return rec, err
}

func (r *Records) PutStatus(id types.BatchID, rec StatusRecord) error {
	return r.put(key(prefixStatus, id), rec)
}

func (r *Records) GetStatus(id types.BatchID) (StatusRecord, error) {
	var rec StatusRecord
	err := r.get(key(prefixStatus, id), &rec)
	return rec, err
}

// Statuses returns every stored status.
func (r *Records) Statuses() (map[types.BatchID]StatusRecord, error) {
	out := make(map[types.BatchID]StatusRecord)
	err := r.kv.Iterate([]byte{prefixStatus}, func(k, v []byte) error {
		var id types.BatchID
		if len(k) != 1+len(id) {
			return fmt.Errorf("status key has length %d", len(k))
		}
		copy(id[:], k[1:])
		var rec StatusRecord
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("status %s: %w", id, err)
		}
		out[id] = rec
		return nil
	})
	return out, err
}

func (r *Records) put(k []byte, v any) error {
	b, err := r.enc.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return r.kv.Put(k, b)
}

func (r *Records) get(k []byte, v any) error {
	b, err := r.kv.Get(k)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

func key(prefix byte, id types.BatchID) []byte {
	return append([]byte{prefix}, id[:]...)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
