package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/uint128"
)

// messageDomain separates transfer signatures from any other use of the same keys.
var messageDomain = []byte("transfer/v1")

// UnsignedTransfer is the part of a transfer request covered by its signature.
type UnsignedTransfer struct {
	Sender    Account
	Recipient Account
	Amount    uint128.Uint128
}

// Message returns the canonical signable bytes:
// domain tag || sender || recipient || amount (16 bytes, big-endian).
func (u UnsignedTransfer) Message() []byte {
	msg := make([]byte, 0, len(messageDomain)+2*AccountSize+AmountSize)
	msg = append(msg, messageDomain...)
	msg = append(msg, u.Sender[:]...)
	msg = append(msg, u.Recipient[:]...)
	amount := AmountBytes(u.Amount)
	return append(msg, amount[:]...)
}

// TransferRequest is a signed request to move Amount from Sender to Recipient.
type TransferRequest struct {
	Sender    Account
	Recipient Account
	Amount    uint128.Uint128
	Signature []byte
}

// Unsigned drops the signature.
func (r TransferRequest) Unsigned() UnsignedTransfer {
	return UnsignedTransfer{Sender: r.Sender, Recipient: r.Recipient, Amount: r.Amount}
}

type transferRequestJSON struct {
	Sender    Account `json:"sender"`
	Recipient Account `json:"recipient"`
	Amount    string  `json:"amount"`
	Signature string  `json:"signature"`
}

func (r TransferRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(transferRequestJSON{
		Sender:    r.Sender,
		Recipient: r.Recipient,
		Amount:    r.Amount.String(),
		Signature: hex.EncodeToString(r.Signature),
	})
}

func (r *TransferRequest) UnmarshalJSON(data []byte) error {
	var raw transferRequestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount, err := uint128.FromString(raw.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", raw.Amount, err)
	}
	sig, err := hex.DecodeString(raw.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	*r = TransferRequest{
		Sender:    raw.Sender,
		Recipient: raw.Recipient,
		Amount:    amount,
		Signature: sig,
	}
	return nil
}
