package chain

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
)

// Submission is the payload of the ledger's verification entry point. Accounts
// must be in the same order the batch was indexed in.
type Submission struct {
	Accounts []types.Account `cbor:"1,keyasint" json:"accounts"`
	Segments []zkvm.Segment  `cbor:"2,keyasint" json:"segments"`
	Journal  []byte          `cbor:"3,keyasint" json:"journal"`
}

func NewSubmission(accounts []types.Account, receipt *zkvm.Receipt) Submission {
	return Submission{
		Accounts: append([]types.Account(nil), accounts...),
		Segments: append([]zkvm.Segment(nil), receipt.Segments...),
		Journal:  append([]byte(nil), receipt.Journal...),
	}
}

func (s Submission) Receipt() *zkvm.Receipt {
	return &zkvm.Receipt{Segments: s.Segments, Journal: s.Journal}
}

// Encode returns the CBOR wire form.
func (s Submission) Encode() ([]byte, error) {
	return cbor.Marshal(s)
}

// DecodeSubmission parses the CBOR wire form.
func DecodeSubmission(b []byte) (Submission, error) {
	var s Submission
	if err := cbor.Unmarshal(b, &s); err != nil {
		return Submission{}, fmt.Errorf("%w: %w", ErrMalformedSubmission, err)
	}
	return s, nil
}
