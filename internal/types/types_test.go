package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

func TestParseAccount(t *testing.T) {
	var want Account
	for i := range want {
		want[i] = byte(i)
	}

	got, err := ParseAccount("0x" + want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ParseAccount("abcd")
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = ParseAccount("zz")
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestAmountBytesBigEndian(t *testing.T) {
	b := AmountBytes(uint128.New(0x0102, 0xff))
	assert.Equal(t, byte(0xff), b[7])
	assert.Equal(t, byte(0x01), b[14])
	assert.Equal(t, byte(0x02), b[15])

	v, err := AmountFromBytes(b[:])
	require.NoError(t, err)
	assert.True(t, v.Equals(uint128.New(0x0102, 0xff)))

	_, err = AmountFromBytes(b[:8])
	assert.Error(t, err)
}

func TestMessageCoversAllFields(t *testing.T) {
	base := UnsignedTransfer{Sender: Account{1}, Recipient: Account{2}, Amount: uint128.From64(10)}
	msg := base.Message()
	assert.Len(t, msg, len(messageDomain)+2*AccountSize+AmountSize)

	changed := base
	changed.Amount = uint128.From64(11)
	assert.NotEqual(t, msg, changed.Message())

	swapped := UnsignedTransfer{Sender: base.Recipient, Recipient: base.Sender, Amount: base.Amount}
	assert.NotEqual(t, msg, swapped.Message())
}

func TestTransferRequestJSON(t *testing.T) {
	req := TransferRequest{
		Sender:    Account{0xaa},
		Recipient: Account{0xbb},
		Amount:    uint128.New(0, 1), // 2^64
		Signature: []byte{1, 2, 3},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"amount":"18446744073709551616"`)

	var decoded TransferRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req.Sender, decoded.Sender)
	assert.Equal(t, req.Recipient, decoded.Recipient)
	assert.True(t, req.Amount.Equals(decoded.Amount))
	assert.Equal(t, req.Signature, decoded.Signature)

	err = json.Unmarshal([]byte(`{"sender":"00","recipient":"00","amount":"1","signature":""}`), &decoded)
	assert.Error(t, err)
}
