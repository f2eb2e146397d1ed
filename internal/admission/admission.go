// admission.go - Signature verification and batch admission.
//
// A batch is admitted only if every request carries a valid ed25519 signature
// by its sender over the canonical message, no request moves funds to its own
// sender, and the batch is not empty. Any violation rejects the whole batch.

package admission

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/ed25519"

	"github.com/zkledger/transferproof/internal/types"
	"lukechampine.com/uint128"
)

var (
	// ErrRejected is wrapped by every admission failure.
	ErrRejected = errors.New("batch rejected")

	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrRejected)
	ErrSelfTransfer     = fmt.Errorf("%w: self transfer", ErrRejected)
	ErrEmptyBatch       = fmt.Errorf("%w: empty batch", ErrRejected)
)

// Reason returns a short label for an admission error, for metrics and API
// responses.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrSelfTransfer):
		return "self_transfer"
	case errors.Is(err, ErrEmptyBatch):
		return "empty_batch"
	default:
		return "other"
	}
}

// Batch is an admitted, immutable list of transfer requests.
type Batch struct {
	id       types.BatchID
	requests []types.TransferRequest
}

func (b *Batch) ID() types.BatchID { return b.id }

func (b *Batch) Len() int { return len(b.requests) }

// Requests returns a copy of the admitted requests in their original order.
func (b *Batch) Requests() []types.TransferRequest {
	out := make([]types.TransferRequest, len(b.requests))
	for i, r := range b.requests {
		r.Signature = append([]byte(nil), r.Signature...)
		out[i] = r
	}
	return out
}

// Verifier admits batches of signed transfer requests.
type Verifier struct {
	logger zerolog.Logger
}

func NewVerifier(logger zerolog.Logger) *Verifier {
	return &Verifier{logger: logger}
}

// Admit checks every request and freezes the batch. The caller's slice is
// copied, so later changes to it do not affect the batch.
func (v *Verifier) Admit(requests []types.TransferRequest) (*Batch, error) {
	if len(requests) == 0 {
		return nil, ErrEmptyBatch
	}

	h, _ := blake2b.New256(nil)
	frozen := make([]types.TransferRequest, len(requests))
	for i, r := range requests {
		if r.Sender == r.Recipient {
			v.logger.Warn().Int("request", i).Str("account", r.Sender.String()).Msg("self transfer rejected")
			return nil, fmt.Errorf("%w: request %d", ErrSelfTransfer, i)
		}
		msg := r.Unsigned().Message()
		if !ed25519.Verify(ed25519.PublicKey(r.Sender[:]), msg, r.Signature) {
			v.logger.Warn().Int("request", i).Str("sender", r.Sender.String()).Msg("invalid signature")
			return nil, fmt.Errorf("%w: request %d", ErrInvalidSignature, i)
		}
		r.Signature = append([]byte(nil), r.Signature...)
		frozen[i] = r
		h.Write(msg)
		h.Write(r.Signature)
	}

	b := &Batch{requests: frozen}
	copy(b.id[:], h.Sum(nil))
	v.logger.Debug().Str("batch", b.id.String()).Int("transfers", len(frozen)).Msg("batch admitted")
	return b, nil
}

// Sign builds a signed transfer of amount from the key's account to recipient.
func Sign(priv ed25519.PrivateKey, recipient types.Account, amount uint128.Uint128) types.TransferRequest {
	var sender types.Account
	copy(sender[:], priv.Public().(ed25519.PublicKey))
	unsigned := types.UnsignedTransfer{Sender: sender, Recipient: recipient, Amount: amount}
	return types.TransferRequest{
		Sender:    sender,
		Recipient: recipient,
		Amount:    amount,
		Signature: ed25519.Sign(priv, unsigned.Message()),
	}
}
