// Package exchange implements the four-packet token transaction protocol.
//
// Two parties exchange four messages: an Initiation from the sender, a
// Response from the receiver, a Confirmation carrying the sender's
// commitment proof and an Acknowledgement carrying the receiver's. Each
// side holds an ExoPak (tokens it sends) and a RetroPak (tokens it keeps
// plus signed rollback steps) so either party can revert its own exposure
// without a coordinator.
package exchange

import (
	"errors"
	"fmt"
)

// Exchange errors.
var (
	ErrInvalidState     = errors.New("invalid transaction state")
	ErrValidationFailed = errors.New("validation failed")
	ErrPeerRejected     = errors.New("peer rejected transaction")
	ErrTimeout          = errors.New("transaction timed out")
	ErrInternal         = errors.New("internal error")
)

// State is the protocol state of one side's copy of a transaction.
type State uint8

// Transaction states.
const (
	StateInitiated State = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateAborted
)

var stateNames = [...]string{"INITIATED", "PREPARING", "PREPARED", "COMMITTING", "COMMITTED", "ABORTED"}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for i, n := range stateNames {
		if n == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// IsTerminal reports whether no further transitions are allowed.
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateAborted
}

// Role identifies which side of a transaction a local copy belongs to.
type Role uint8

// Transaction roles.
const (
	RoleSender Role = iota
	RoleReceiver
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// Constraints bound a transaction.
type Constraints struct {
	_             struct{} `cbor:",toarray"`
	MaxDurationMs int64    `json:"maxDurationMs,omitempty"`
	ReverseAmount uint64   `json:"reverseAmount,omitempty"`
}

// Context describes what the parties are agreeing to.
type Context struct {
	_                 struct{}    `cbor:",toarray"`
	SenderPublicKey   string      `json:"senderPublicKey"`
	ReceiverPublicKey string      `json:"receiverPublicKey"`
	Amount            uint64      `json:"amount"`
	Purpose           string      `json:"purpose,omitempty"`
	Constraints       Constraints `json:"constraints"`
}

// Timestamps records protocol milestones in epoch milliseconds.
type Timestamps struct {
	_           struct{} `cbor:",toarray"`
	CreatedAt   int64    `json:"createdAtMs"`
	InitiatedAt int64    `json:"initiatedAtMs,omitempty"`
	PreparedAt  int64    `json:"preparedAtMs,omitempty"`
	CommittedAt int64    `json:"committedAtMs,omitempty"`
	CompletedAt int64    `json:"completedAtMs,omitempty"`
	TimeoutAt   int64    `json:"timeoutAtMs"`
}

// Proofs holds the signatures exchanged during commit.
type Proofs struct {
	_                    struct{} `cbor:",toarray"`
	SenderCommitment     []byte   `json:"senderCommitmentProof,omitempty"`
	ReceiverCommitment   []byte   `json:"receiverCommitmentProof,omitempty"`
	AtomicCommitment     []byte   `json:"atomicCommitmentProof,omitempty"`
	TransactionSignature []byte   `json:"transactionSignature,omitempty"`
}

// Metadata keys written by the manager.
const (
	MetaAbortReason = "abortReason"
	MetaPurpose     = "purpose"
)

// Transaction is one side's record of a four-packet exchange.
type Transaction struct {
	_                struct{}          `cbor:",toarray"`
	ID               string            `json:"id"`
	Role             Role              `json:"role"`
	State            State             `json:"state"`
	Context          Context           `json:"context"`
	SenderExoPak     *ExoPak           `json:"senderExoPak,omitempty"`
	ReceiverExoPak   *ExoPak           `json:"receiverExoPak,omitempty"`
	SenderRetroPak   *RetroPak         `json:"senderRetroPak,omitempty"`
	ReceiverRetroPak *RetroPak         `json:"receiverRetroPak,omitempty"`
	Timestamps       Timestamps        `json:"timestamps"`
	Proofs           Proofs            `json:"proofs"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Own returns the ExoPak and RetroPak held by this copy's role.
func (tx *Transaction) Own() (*ExoPak, *RetroPak) {
	if tx.Role == RoleReceiver {
		return tx.ReceiverExoPak, tx.ReceiverRetroPak
	}
	return tx.SenderExoPak, tx.SenderRetroPak
}

// Incoming returns the ExoPak this copy's role receives.
func (tx *Transaction) Incoming() *ExoPak {
	if tx.Role == RoleReceiver {
		return tx.SenderExoPak
	}
	return tx.ReceiverExoPak
}

// Clone returns a deep copy.
func (tx *Transaction) Clone() *Transaction {
	c := *tx
	c.SenderExoPak = tx.SenderExoPak.Clone()
	c.ReceiverExoPak = tx.ReceiverExoPak.Clone()
	c.SenderRetroPak = tx.SenderRetroPak.Clone()
	c.ReceiverRetroPak = tx.ReceiverRetroPak.Clone()
	c.Proofs = Proofs{
		SenderCommitment:     cloneBytes(tx.Proofs.SenderCommitment),
		ReceiverCommitment:   cloneBytes(tx.Proofs.ReceiverCommitment),
		AtomicCommitment:     cloneBytes(tx.Proofs.AtomicCommitment),
		TransactionSignature: cloneBytes(tx.Proofs.TransactionSignature),
	}
	if tx.Metadata != nil {
		c.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
