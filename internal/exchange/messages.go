package exchange

import "github.com/Klingon-tech/tokenwire/pkg/token"

// Initiation opens a transaction. SenderTokens is the candidate pool the
// receiver selects from, not the final selection.
type Initiation struct {
	_              struct{}          `cbor:",toarray"`
	TransactionID  string            `json:"transactionId"`
	Context        Context           `json:"context"`
	SenderTokens   []*token.Token    `json:"senderTokens"`
	ReceiverTokens []*token.Token    `json:"receiverTokens"`
	SenderClock    uint32            `json:"senderClock"`
	Telomeres      []*token.Telomere `json:"telomeres,omitempty"`
	TimestampMs    int64             `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Response answers an Initiation. When Accepted is false only Reason is set.
type Response struct {
	_              struct{} `cbor:",toarray"`
	TransactionID  string   `json:"transactionId"`
	Accepted       bool     `json:"accepted"`
	Reason         string   `json:"reason,omitempty"`
	SenderExoPak   *ExoPak  `json:"senderExoPak,omitempty"`
	ReceiverExoPak *ExoPak  `json:"receiverExoPak,omitempty"`
	ReceiverClock  uint32   `json:"receiverClock,omitempty"`
	TimestampMs    int64    `json:"timestamp"`
}

// Confirmation carries the sender's commitment proof.
type Confirmation struct {
	_                     struct{} `cbor:",toarray"`
	TransactionID         string   `json:"transactionId"`
	SenderCommitmentProof []byte   `json:"senderCommitmentProof"`
	TimestampMs           int64    `json:"timestamp"`
}

// Acknowledgement carries the receiver's commitment proof.
type Acknowledgement struct {
	_                       struct{} `cbor:",toarray"`
	TransactionID           string   `json:"transactionId"`
	ReceiverCommitmentProof []byte   `json:"receiverCommitmentProof"`
	TimestampMs             int64    `json:"timestamp"`
}
