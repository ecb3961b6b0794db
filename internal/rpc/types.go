package rpc

import (
	"github.com/Klingon-tech/tokenwire/internal/exchange"
	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeRejected       = -32001 // Exchange refused by the engine or the counterparty
	CodeUnavailable    = -32002 // Feature disabled on this node
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// IssueParam is used by token_issue.
type IssueParam struct {
	Amount     uint64 `json:"amount"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// TokenIDParam is used by endpoints that take a single token id.
type TokenIDParam struct {
	TokenID string `json:"token_id"`
}

// SelectParam is used by clock_select.
type SelectParam struct {
	Amount    uint64 `json:"amount"`
	PeerClock uint32 `json:"peer_clock,omitempty"` // Packed counterparty clock; 0 = unknown
}

// PaymentParam is used by payment_send.
type PaymentParam struct {
	Peer               string `json:"peer"` // Multiaddr including /p2p/<id>
	Amount             uint64 `json:"amount"`
	ReverseAmount      uint64 `json:"reverse_amount,omitempty"`
	Purpose            string `json:"purpose,omitempty"`
	MaxDurationSeconds int64  `json:"max_duration_seconds,omitempty"`
}

// TxParam is used by tx_get and tx_rollback.
type TxParam struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"` // sender or receiver; empty picks either
}

// BufferParam is used by buffer_add and buffer_remove.
type BufferParam struct {
	TokenID       string  `json:"token_id"`
	Amount        float64 `json:"amount"`
	TransactionID string  `json:"tx_id,omitempty"`
}

// BufferTransferParam is used by buffer_transfer.
type BufferTransferParam struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	Amount        float64 `json:"amount"`
	TransactionID string  `json:"tx_id,omitempty"`
}

// ── Result types ────────────────────────────────────────────────────────

// NodeStatusResult is returned by node_getStatus.
type NodeStatusResult struct {
	Version   string `json:"version"`
	Network   string `json:"network"`
	Owner     string `json:"owner"`
	Balance   uint64 `json:"balance"`
	Pending   int    `json:"pending"`
	Completed int    `json:"completed"`
	P2P       bool   `json:"p2p"`
	Peers     int    `json:"peers"`
}

// TokenInfo describes a held token.
type TokenInfo struct {
	ID           string `json:"id"`
	Denomination uint16 `json:"denomination"`
	Status       string `json:"status"`
	Expired      bool   `json:"expired,omitempty"`
	ExpiryMs     *int64 `json:"expiry_ms,omitempty"`
}

// TokenListResult is returned by token_list and token_issue.
type TokenListResult struct {
	Count  int         `json:"count"`
	Total  uint64      `json:"total"`
	Tokens []TokenInfo `json:"tokens"`
}

// BalanceResult is returned by token_getBalance.
type BalanceResult struct {
	Owner     string `json:"owner"`
	Spendable uint64 `json:"spendable"`
	Held      uint64 `json:"held"`
}

// DenominationEntry is one row of the denomination vector clock.
type DenominationEntry struct {
	Denomination uint16 `json:"denomination"`
	Count        int    `json:"count"`
	Status       string `json:"status"`
}

// ClockResult is returned by clock_get.
type ClockResult struct {
	Denominations []DenominationEntry `json:"denominations"`
	Packed        uint32              `json:"packed"`
}

// SelectionResult is returned by clock_select.
type SelectionResult struct {
	Tokens []TokenInfo `json:"tokens"`
	Total  uint64      `json:"total"`
	Score  int         `json:"score"`
}

// TxSummary describes one local copy of a transaction.
type TxSummary struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	State       string `json:"state"`
	Amount      uint64 `json:"amount"`
	Reverse     uint64 `json:"reverse_amount,omitempty"`
	Counterpart string `json:"counterparty"`
	CreatedAtMs int64  `json:"created_at_ms"`
	Reason      string `json:"reason,omitempty"`
}

// TxListResult is returned by tx_list.
type TxListResult struct {
	Count        int         `json:"count"`
	Transactions []TxSummary `json:"transactions"`
}

// RollbackResult is returned by tx_rollback.
type RollbackResult struct {
	Restored int `json:"restored"`
}

// BufferInfo describes a rounding buffer.
type BufferInfo struct {
	TokenID           string  `json:"token_id"`
	Buffer            float64 `json:"buffer"`
	LastUpdatedMs     int64   `json:"last_updated_ms"`
	LastTransactionID string  `json:"last_tx_id,omitempty"`
}

// BufferResult is returned by the mutating buffer endpoints.
type BufferResult struct {
	Buffer BufferInfo  `json:"buffer"`
	Minted []TokenInfo `json:"minted,omitempty"`
}

// BufferListResult is returned by buffer_list.
type BufferListResult struct {
	Count   int          `json:"count"`
	Buffers []BufferInfo `json:"buffers"`
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	Owner       string `json:"owner,omitempty"`
	Source      string `json:"source,omitempty"`
	ConnectedAt string `json:"connected_at"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes a single banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}

// ── Conversions ─────────────────────────────────────────────────────────

func tokenInfo(t *token.Token, nowMs int64) TokenInfo {
	return TokenInfo{
		ID:           t.Key(),
		Denomination: uint16(t.Denomination),
		Status:       t.Status.String(),
		Expired:      t.IsExpired(nowMs),
		ExpiryMs:     t.ExpiryTimeMs,
	}
}

func tokenInfos(tokens []*token.Token, nowMs int64) []TokenInfo {
	out := make([]TokenInfo, len(tokens))
	for i, t := range tokens {
		out[i] = tokenInfo(t, nowMs)
	}
	return out
}

func bufferInfo(rb *token.RoundingBuffer) BufferInfo {
	info := BufferInfo{
		TokenID:       rb.Base.Key(),
		Buffer:        rb.Buffer(),
		LastUpdatedMs: rb.LastUpdatedMs,
	}
	if rb.LastTransactionID != nil {
		info.LastTransactionID = *rb.LastTransactionID
	}
	return info
}

func txSummary(tx *exchange.Transaction) TxSummary {
	counterpart := tx.Context.ReceiverPublicKey
	if tx.Role == exchange.RoleReceiver {
		counterpart = tx.Context.SenderPublicKey
	}
	return TxSummary{
		ID:          tx.ID,
		Role:        tx.Role.String(),
		State:       tx.State.String(),
		Amount:      tx.Context.Amount,
		Reverse:     tx.Context.Constraints.ReverseAmount,
		Counterpart: counterpart,
		CreatedAtMs: tx.Timestamps.CreatedAt,
		Reason:      tx.Metadata[exchange.MetaAbortReason],
	}
}
