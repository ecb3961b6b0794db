package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/tokenwire/config"
	"github.com/Klingon-tech/tokenwire/internal/denom"
	"github.com/Klingon-tech/tokenwire/internal/exchange"
	"github.com/Klingon-tech/tokenwire/internal/ledger"
	"github.com/Klingon-tech/tokenwire/internal/node"
	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// ── Node endpoints ──────────────────────────────────────────────────────

func (s *Server) handleNodeGetStatus(_ *Request) (interface{}, *Error) {
	balance, err := s.node.Balance()
	if err != nil {
		return nil, internalError("balance", err)
	}
	pending, completed := s.node.Engine().Registry().Count()
	res := &NodeStatusResult{
		Version:   config.Version,
		Network:   string(s.node.Network()),
		Owner:     s.node.Owner(),
		Balance:   balance,
		Pending:   pending,
		Completed: completed,
	}
	if p := s.node.P2P(); p != nil {
		res.P2P = true
		res.Peers = p.PeerCount()
	}
	return res, nil
}

// ── Token endpoints ─────────────────────────────────────────────────────

func (s *Server) handleTokenIssue(req *Request) (interface{}, *Error) {
	var params IssueParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Amount == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "amount must be positive"}
	}
	if params.TTLSeconds < 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "ttl_seconds must not be negative"}
	}

	tokens, err := s.node.Issue(params.Amount, time.Duration(params.TTLSeconds)*time.Second)
	if err != nil {
		return nil, internalError("issue", err)
	}
	return tokenList(tokens, s.now()), nil
}

func (s *Server) handleTokenGetBalance(_ *Request) (interface{}, *Error) {
	owner := s.node.Owner()
	spendable, err := s.node.Balance()
	if err != nil {
		return nil, internalError("balance", err)
	}
	held, err := s.node.Ledger().Holdings(owner)
	if err != nil {
		return nil, internalError("holdings", err)
	}
	return &BalanceResult{
		Owner:     owner,
		Spendable: spendable,
		Held:      token.Sum(held),
	}, nil
}

func (s *Server) handleTokenList(_ *Request) (interface{}, *Error) {
	tokens, err := s.node.Ledger().Holdings(s.node.Owner())
	if err != nil {
		return nil, internalError("holdings", err)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].Denomination != tokens[j].Denomination {
			return tokens[i].Denomination > tokens[j].Denomination
		}
		return tokens[i].Key() < tokens[j].Key()
	})
	return tokenList(tokens, s.now()), nil
}

func (s *Server) handleTokenGetTelomere(req *Request) (interface{}, *Error) {
	var params TokenIDParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.TokenID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "token_id is required"}
	}
	tel, err := s.node.Ledger().Telomere(params.TokenID)
	if err != nil {
		return nil, internalError("telomere", err)
	}
	if tel == nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no telomere for %s", params.TokenID)}
	}
	return tel, nil
}

func tokenList(tokens []*token.Token, nowMs int64) *TokenListResult {
	return &TokenListResult{
		Count:  len(tokens),
		Total:  token.Sum(tokens),
		Tokens: tokenInfos(tokens, nowMs),
	}
}

// ── Clock endpoints ─────────────────────────────────────────────────────

func (s *Server) ownClock() (*denom.Clock, []*token.Token, *Error) {
	tokens, err := s.node.Ledger().Spendable(s.node.Owner(), s.now())
	if err != nil {
		return nil, nil, internalError("spendable", err)
	}
	c := denom.NewClock(s.node.Engine().Profile())
	c.UpdateFromTokens(tokens)
	return c, tokens, nil
}

func (s *Server) handleClockGet(_ *Request) (interface{}, *Error) {
	c, _, rpcErr := s.ownClock()
	if rpcErr != nil {
		return nil, rpcErr
	}
	codes := c.Codes()
	entries := make([]DenominationEntry, token.NumDenominations)
	for i, d := range token.Denominations {
		entries[i] = DenominationEntry{
			Denomination: uint16(d),
			Count:        c.Count(d),
			Status:       codes[i].String(),
		}
	}
	return &ClockResult{Denominations: entries, Packed: c.Packed()}, nil
}

func (s *Server) handleClockSelect(req *Request) (interface{}, *Error) {
	var params SelectParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	own, tokens, rpcErr := s.ownClock()
	if rpcErr != nil {
		return nil, rpcErr
	}
	var peer *denom.Clock
	if params.PeerClock != 0 {
		peer = denom.FromPacked(params.PeerClock)
	}
	sel, err := denom.Select(tokens, params.Amount, own, peer)
	if err != nil {
		return nil, exchangeError("select", err)
	}
	return &SelectionResult{
		Tokens: tokenInfos(sel.Tokens, s.now()),
		Total:  sel.Total,
		Score:  sel.Score,
	}, nil
}

// ── Payment endpoints ───────────────────────────────────────────────────

func (s *Server) handlePaymentSend(ctx context.Context, req *Request) (interface{}, *Error) {
	var params PaymentParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Peer == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "peer is required"}
	}
	if params.Amount == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "amount must be positive"}
	}
	if params.MaxDurationSeconds < 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "max_duration_seconds must not be negative"}
	}

	tx, err := s.node.PayPeer(ctx, params.Peer, node.Payment{
		Amount:        params.Amount,
		ReverseAmount: params.ReverseAmount,
		Purpose:       params.Purpose,
		MaxDuration:   time.Duration(params.MaxDurationSeconds) * time.Second,
	})
	if err != nil {
		return nil, exchangeError("payment", err)
	}
	summary := txSummary(tx)
	return &summary, nil
}

// ── Transaction endpoints ───────────────────────────────────────────────

func (s *Server) handleTxList(_ *Request) (interface{}, *Error) {
	txs, err := s.node.Ledger().Transactions()
	if err != nil {
		return nil, internalError("transactions", err)
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].Timestamps.CreatedAt < txs[j].Timestamps.CreatedAt
	})
	summaries := make([]TxSummary, len(txs))
	for i, tx := range txs {
		summaries[i] = txSummary(tx)
	}
	return &TxListResult{Count: len(summaries), Transactions: summaries}, nil
}

func (s *Server) handleTxGet(req *Request) (interface{}, *Error) {
	var params TxParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "id is required"}
	}

	var roles []exchange.Role
	switch params.Role {
	case "":
		roles = []exchange.Role{exchange.RoleSender, exchange.RoleReceiver}
	case "sender":
		roles = []exchange.Role{exchange.RoleSender}
	case "receiver":
		roles = []exchange.Role{exchange.RoleReceiver}
	default:
		return nil, &Error{Code: CodeInvalidParams, Message: "role must be sender or receiver"}
	}

	for _, role := range roles {
		// The in-memory copy is fresher than the ledger while in flight.
		if tx, ok := s.node.Engine().Get(params.ID, role); ok {
			return tx, nil
		}
		tx, err := s.node.Ledger().Transaction(params.ID, role)
		if err != nil {
			return nil, internalError("transaction", err)
		}
		if tx != nil {
			return tx, nil
		}
	}
	return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("transaction %s not found", params.ID)}
}

func (s *Server) handleTxRollback(req *Request) (interface{}, *Error) {
	var params TxParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "id is required"}
	}
	restored, err := s.node.Rollback(params.ID)
	if err != nil {
		return nil, exchangeError("rollback", err)
	}
	return &RollbackResult{Restored: restored}, nil
}

// ── Buffer endpoints ────────────────────────────────────────────────────

func (s *Server) handleBufferList(_ *Request) (interface{}, *Error) {
	buffers, err := s.node.Ledger().Buffers()
	if err != nil {
		return nil, internalError("buffers", err)
	}
	infos := make([]BufferInfo, len(buffers))
	for i, rb := range buffers {
		infos[i] = bufferInfo(rb)
	}
	return &BufferListResult{Count: len(infos), Buffers: infos}, nil
}

func (s *Server) handleBufferOpen(req *Request) (interface{}, *Error) {
	var params TokenIDParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	rb, err := s.node.OpenBuffer(params.TokenID)
	if err != nil {
		return nil, exchangeError("open buffer", err)
	}
	return &BufferResult{Buffer: bufferInfo(rb)}, nil
}

func (s *Server) handleBufferAdd(req *Request) (interface{}, *Error) {
	var params BufferParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	rb, minted, err := s.node.AddToBuffer(params.TokenID, params.Amount, params.TransactionID)
	if err != nil {
		return nil, exchangeError("add to buffer", err)
	}
	return &BufferResult{Buffer: bufferInfo(rb), Minted: tokenInfos(minted, s.now())}, nil
}

func (s *Server) handleBufferRemove(req *Request) (interface{}, *Error) {
	var params BufferParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	rb, err := s.node.RemoveFromBuffer(params.TokenID, params.Amount, params.TransactionID)
	if err != nil {
		return nil, exchangeError("remove from buffer", err)
	}
	return &BufferResult{Buffer: bufferInfo(rb)}, nil
}

func (s *Server) handleBufferTransfer(req *Request) (interface{}, *Error) {
	var params BufferTransferParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	rb, minted, err := s.node.TransferBuffer(params.From, params.To, params.Amount, params.TransactionID)
	if err != nil {
		return nil, exchangeError("transfer buffer", err)
	}
	return &BufferResult{Buffer: bufferInfo(rb), Minted: tokenInfos(minted, s.now())}, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	p2pNode := s.node.P2P()
	if p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			Owner:       p.Owner,
			Source:      p.Source,
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}

	return &PeerInfoResult{
		Count: len(infos),
		Peers: infos,
	}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	p2pNode := s.node.P2P()
	if p2pNode == nil {
		return &NodeInfoResult{ID: "", Addrs: []string{}}, nil
	}

	return &NodeInfoResult{
		ID:    p2pNode.ID().String(),
		Addrs: p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	p2pNode := s.node.P2P()
	if p2pNode == nil || p2pNode.BanManager == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := p2pNode.BanManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}

	return &BanListResult{
		Count: len(entries),
		Bans:  entries,
	}, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

func (s *Server) now() int64 {
	return s.node.Clock().NowMs()
}

func internalError(op string, err error) *Error {
	return &Error{Code: CodeInternalError, Message: fmt.Sprintf("%s: %v", op, err)}
}

// exchangeError maps node, engine and ledger errors to RPC error codes.
func exchangeError(op string, err error) *Error {
	code := CodeInternalError
	var remote *node.RemoteError
	switch {
	case errors.Is(err, node.ErrP2PDisabled):
		code = CodeUnavailable
	case errors.Is(err, node.ErrNotOwner),
		errors.Is(err, node.ErrBufferMissing),
		errors.Is(err, ledger.ErrNoRetroPak):
		code = CodeNotFound
	case errors.Is(err, node.ErrInsufficientFunds),
		errors.Is(err, node.ErrBufferTransfer),
		errors.Is(err, denom.ErrInsufficientTokens),
		errors.Is(err, exchange.ErrPeerRejected),
		errors.Is(err, exchange.ErrTimeout),
		errors.Is(err, exchange.ErrValidationFailed),
		errors.As(err, &remote):
		code = CodeRejected
	case errors.Is(err, denom.ErrInvalidTarget),
		errors.Is(err, token.ErrInvalidDenomination),
		errors.Is(err, token.ErrNegativeAmount),
		errors.Is(err, token.ErrAmountTooLarge),
		errors.Is(err, token.ErrBufferOutOfRange),
		errors.Is(err, token.ErrInsufficientBuffer):
		code = CodeInvalidParams
	}
	return &Error{Code: code, Message: fmt.Sprintf("%s: %v", op, err)}
}
