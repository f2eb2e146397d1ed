// types.go - Shared data types for proven batch transfers.
//
// Accounts are ed25519 public keys. Amounts and balances are unsigned 128-bit
// integers, serialized big-endian wherever they cross a boundary.

package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/uint128"
)

// AccountSize is the byte length of an account identifier (an ed25519 public key).
const AccountSize = 32

// AmountSize is the byte length of a fixed-width big-endian u128.
const AmountSize = 16

var ErrInvalidAccount = errors.New("invalid account")

// Account identifies a ledger account by its public key.
type Account [AccountSize]byte

// AccountFromBytes copies b into an Account.
func AccountFromBytes(b []byte) (Account, error) {
	var a Account
	if len(b) != AccountSize {
		return a, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAccount, AccountSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// ParseAccount decodes a hex-encoded account, with or without a 0x prefix.
func ParseAccount(s string) (Account, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return AccountFromBytes(b)
}

func (a Account) String() string {
	return hex.EncodeToString(a[:])
}

func (a Account) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Account) UnmarshalText(text []byte) error {
	parsed, err := ParseAccount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AmountBytes returns the fixed-width big-endian encoding of v.
func AmountBytes(v uint128.Uint128) [AmountSize]byte {
	var b [AmountSize]byte
	v.PutBytesBE(b[:])
	return b
}

// AmountFromBytes decodes a fixed-width big-endian u128.
func AmountFromBytes(b []byte) (uint128.Uint128, error) {
	if len(b) != AmountSize {
		return uint128.Zero, fmt.Errorf("amount: expected %d bytes, got %d", AmountSize, len(b))
	}
	return uint128.FromBytesBE(b), nil
}

// IndexedTransfer references its participants by position in a batch's
// account list instead of by full account identifier.
type IndexedTransfer struct {
	Sender    uint32
	Recipient uint32
	Amount    uint128.Uint128
}
