// Package rpc implements the JSON-RPC 2.0 control API served by tokenwired.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/tokenwire/config"
	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/internal/node"
)

// maxBodySize caps a request body at 1 MB.
const maxBodySize = 1 << 20

// handler serves one RPC method.
type handler func(s *Server, ctx context.Context, req *Request) (interface{}, *Error)

// local adapts a handler that never blocks on the network.
func local(fn func(*Server, *Request) (interface{}, *Error)) handler {
	return func(s *Server, _ context.Context, req *Request) (interface{}, *Error) {
		return fn(s, req)
	}
}

// methods is the full control API.
var methods = map[string]handler{
	"node_getStatus":    local((*Server).handleNodeGetStatus),
	"token_issue":       local((*Server).handleTokenIssue),
	"token_getBalance":  local((*Server).handleTokenGetBalance),
	"token_list":        local((*Server).handleTokenList),
	"token_getTelomere": local((*Server).handleTokenGetTelomere),
	"clock_get":         local((*Server).handleClockGet),
	"clock_select":      local((*Server).handleClockSelect),
	"payment_send":      (*Server).handlePaymentSend,
	"tx_list":           local((*Server).handleTxList),
	"tx_get":            local((*Server).handleTxGet),
	"tx_rollback":       local((*Server).handleTxRollback),
	"buffer_list":       local((*Server).handleBufferList),
	"buffer_open":       local((*Server).handleBufferOpen),
	"buffer_add":        local((*Server).handleBufferAdd),
	"buffer_remove":     local((*Server).handleBufferRemove),
	"buffer_transfer":   local((*Server).handleBufferTransfer),
	"net_getPeerInfo":   local((*Server).handleNetGetPeerInfo),
	"net_getNodeInfo":   local((*Server).handleNetGetNodeInfo),
	"net_getBanList":    local((*Server).handleNetGetBanList),
}

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr    string
	node    *node.Node
	http    *http.Server
	logger  zerolog.Logger
	ln      net.Listener
	allowed []*net.IPNet // nil allows every client
	origins []string     // nil sends no CORS headers
}

// New creates an RPC server for n. An optional RPCConfig restricts client
// addresses and enables CORS for the listed origins.
func New(addr string, n *node.Node, rpcCfg ...config.RPCConfig) *Server {
	s := &Server{addr: addr, node: n, logger: klog.RPC}
	if len(rpcCfg) > 0 {
		s.allowed = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		s.origins = rpcCfg[0].CORSOrigins
	}
	s.http = &http.Server{
		Handler:     http.HandlerFunc(s.serveHTTP),
		ReadTimeout: 30 * time.Second,
		// payment_send waits for the whole four-packet exchange.
		WriteTimeout: 10 * time.Minute,
	}
	return s
}

// parseAllowedIPs accepts CIDR blocks and bare addresses. Entries that are
// neither are skipped.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		if _, block, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, block)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 8 * net.IPv6len
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 8*net.IPv4len
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Int("methods", len(methods)).Msg("RPC server listening")

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down, waiting up to five seconds for in-flight calls.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.admit(r) {
		s.logger.Debug().Str("remote", r.RemoteAddr).Msg("RPC client refused")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.setCORSHeaders(w, r)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	req, rpcErr := decodeRequest(body)
	if rpcErr != nil {
		var id interface{}
		if req != nil {
			id = req.ID
		}
		writeError(w, id, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := Response{JSONRPC: "2.0", ID: req.ID}
	resp.Result, resp.Error = s.call(r.Context(), req)
	writeJSON(w, resp)
}

// decodeRequest parses and validates one JSON-RPC request body. When the
// body parses but is not a valid request, the request is returned alongside
// the error so its id can be echoed.
func decodeRequest(body []byte) (*Request, *Error) {
	if len(body) > maxBodySize {
		return nil, &Error{Code: CodeInvalidRequest, Message: "request body too large"}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &Error{Code: CodeParseError, Message: "invalid JSON"}
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "invalid JSON"}
	}
	if req.JSONRPC != "2.0" {
		return &req, &Error{Code: CodeInvalidRequest, Message: `jsonrpc must be "2.0"`}
	}
	if req.Method == "" {
		return &req, &Error{Code: CodeInvalidRequest, Message: "method required"}
	}
	return &req, nil
}

// call looks up and runs the handler for req.
func (s *Server) call(ctx context.Context, req *Request) (interface{}, *Error) {
	h, ok := methods[req.Method]
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
	start := time.Now()
	result, rpcErr := h(s, ctx, req)
	ev := s.logger.Debug()
	if rpcErr != nil {
		ev = ev.Int("code", rpcErr.Code).Str("error", rpcErr.Message)
	}
	ev.Str("method", req.Method).Dur("took", time.Since(start)).Msg("RPC call")
	return result, rpcErr
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// admit applies the client address allowlist.
func (s *Server) admit(r *http.Request) bool {
	if len(s.allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, block := range s.allowed {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// setCORSHeaders echoes an allowed Origin back, or "*" when the wildcard
// is configured.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 {
		return
	}
	switch {
	case slices.Contains(s.origins, "*"):
		w.Header().Set("Access-Control-Allow-Origin", "*")
	case slices.Contains(s.origins, origin):
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	default:
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// parseParams decodes req.Params into target.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}
	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
