// tokenwire-cli is a command-line client for a running tokenwired node.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/tokenwire/config"
	"github.com/Klingon-tech/tokenwire/internal/rpc"
	"github.com/Klingon-tech/tokenwire/internal/rpcclient"
)

// globals are the flags accepted before the subcommand.
type globals struct {
	rpcURL  string
	dataDir string
	network config.NetworkType
}

func main() {
	g, args, err := parseGlobals(os.Args[1:])
	if err != nil {
		fatal("%v", err)
	}
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	if g.rpcURL == "" {
		g.rpcURL = endpoint(g.dataDir, g.network)
	}

	client := rpcclient.New(g.rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "issue":
		cmdIssue(client, cmdArgs)
	case "balance":
		cmdBalance(client)
	case "tokens":
		cmdTokens(client)
	case "telomere":
		cmdTelomere(client, cmdArgs)
	case "clock":
		cmdClock(client)
	case "select":
		cmdSelect(client, cmdArgs)
	case "pay":
		cmdPay(g.rpcURL, cmdArgs)
	case "txs":
		cmdTxs(client)
	case "tx":
		cmdTx(client, cmdArgs)
	case "rollback":
		cmdRollback(client, cmdArgs)
	case "buffer":
		cmdBuffer(client, cmdArgs)
	case "peers":
		cmdPeers(client)
	case "bans":
		cmdBans(client)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: tokenwire-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: from <datadir>/tokenwire.conf)
  --datadir <path>    Data directory (default: ~/.tokenwire)
  --network <net>     mainnet (default) or testnet

Commands:
  status                          Show node status
  issue --amount <n> [--ttl <d>]  Mint tokens worth n to the node owner
  balance                         Show spendable and held balance
  tokens                          List held tokens
  telomere <token_id>             Show a token's ownership record
  clock                           Show the denomination vector clock
  select --amount <n> [--peer-clock <packed>]
                                  Preview the tokens a payment would use
  pay --peer <multiaddr> --amount <n> [--reverse <n>] [--purpose <s>]
                                  Pay a peer over the network
  txs                             List recorded transactions
  tx <id> [--role sender|receiver]
                                  Show a transaction as JSON
  rollback <id>                   Abort a transaction and restore its tokens
  peers                           Show connected peers
  bans                            Show banned peers

  buffer list                     List rounding buffers
  buffer open <token_id>          Open a buffer on a denomination-1 token
  buffer add <token_id> <amount> [--tx <id>]
  buffer remove <token_id> <amount> [--tx <id>]
  buffer transfer <from_id> <to_id> <amount> [--tx <id>]
`)
}

// parseGlobals consumes --rpc, --datadir and --network ahead of the
// subcommand.
func parseGlobals(args []string) (globals, []string, error) {
	g := globals{dataDir: config.DefaultDataDir(), network: config.Mainnet}
	for len(args) > 0 {
		name, value, rest, ok := takeFlag(args, "--rpc", "--datadir", "--network")
		if !ok {
			break
		}
		if value == "" {
			return g, nil, fmt.Errorf("%s requires a value", name)
		}
		switch name {
		case "--rpc":
			g.rpcURL = value
		case "--datadir":
			g.dataDir = value
		case "--network":
			switch config.NetworkType(strings.ToLower(value)) {
			case config.Mainnet:
				g.network = config.Mainnet
			case config.Testnet:
				g.network = config.Testnet
			default:
				return g, nil, fmt.Errorf("unknown network %q", value)
			}
		}
		args = rest
	}
	return g, args, nil
}

// takeFlag matches args[0] against names in either "--x v" or "--x=v" form.
func takeFlag(args []string, names ...string) (name, value string, rest []string, ok bool) {
	for _, n := range names {
		switch {
		case args[0] == n:
			if len(args) < 2 {
				return n, "", nil, true
			}
			return n, args[1], args[2:], true
		case strings.HasPrefix(args[0], n+"="):
			return n, args[0][len(n)+1:], args[1:], true
		}
	}
	return "", "", args, false
}

// endpoint resolves the daemon's RPC URL from the network defaults and the
// config file in dataDir, when present.
func endpoint(dataDir string, network config.NetworkType) string {
	cfg := config.Default(network)
	cfg.DataDir = dataDir
	values, err := config.LoadFile(cfg.ConfigFile())
	if err == nil {
		// The file may name the other network; the flag wins.
		delete(values, "network")
		if err := config.ApplyFileConfig(cfg, values); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	return cfg.RPC.Endpoint()
}

// ── status / peers / bans ───────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	var result rpc.NodeStatusResult
	if err := client.Call("node_getStatus", nil, &result); err != nil {
		fatal("node_getStatus: %v", err)
	}
	fmt.Printf("Version:      %s\n", result.Version)
	fmt.Printf("Network:      %s\n", result.Network)
	fmt.Printf("Owner:        %s\n", result.Owner)
	fmt.Printf("Balance:      %d\n", result.Balance)
	fmt.Printf("Pending:      %d\n", result.Pending)
	fmt.Printf("Completed:    %d\n", result.Completed)
	if result.P2P {
		fmt.Printf("Peers:        %d\n", result.Peers)
	} else {
		fmt.Printf("Peers:        p2p disabled\n")
	}
}

func cmdPeers(client *rpcclient.Client) {
	var info rpc.NodeInfoResult
	if err := client.Call("net_getNodeInfo", nil, &info); err != nil {
		fatal("net_getNodeInfo: %v", err)
	}
	if info.ID != "" {
		fmt.Printf("Node ID: %s\n", info.ID)
		for _, a := range info.Addrs {
			fmt.Printf("  %s\n", a)
		}
	}

	var result rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &result); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers: %d\n", result.Count)
	for _, p := range result.Peers {
		fmt.Printf("  %s  %-5s owner=%s since %s\n", p.ID, p.Source, shortKey(p.Owner), p.ConnectedAt)
	}
}

func cmdBans(client *rpcclient.Client) {
	var result rpc.BanListResult
	if err := client.Call("net_getBanList", nil, &result); err != nil {
		fatal("net_getBanList: %v", err)
	}
	for _, b := range result.Bans {
		expires := time.Unix(b.ExpiresAt, 0).Format(time.RFC3339)
		fmt.Printf("  %s  score=%d until %s  %s\n", b.ID, b.Score, expires, b.Reason)
	}
	fmt.Printf("%d banned\n", result.Count)
}

// ── issue / balance / tokens ────────────────────────────────────────────

func cmdIssue(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	amount := fs.Uint64("amount", 0, "Face value to mint")
	ttl := fs.Duration("ttl", 0, "Expiry of the minted tokens (0 = never)")
	fs.Parse(args)

	if *amount == 0 {
		fatal("Usage: tokenwire-cli issue --amount <n> [--ttl <duration>]")
	}

	var result rpc.TokenListResult
	if err := client.Call("token_issue", rpc.IssueParam{
		Amount:     *amount,
		TTLSeconds: int64(ttl.Seconds()),
	}, &result); err != nil {
		fatal("token_issue: %v", err)
	}
	printTokens(result.Tokens)
	fmt.Printf("Issued %d in %d tokens\n", result.Total, result.Count)
}

func cmdBalance(client *rpcclient.Client) {
	var result rpc.BalanceResult
	if err := client.Call("token_getBalance", nil, &result); err != nil {
		fatal("token_getBalance: %v", err)
	}
	fmt.Printf("Owner:     %s\n", result.Owner)
	fmt.Printf("Spendable: %d\n", result.Spendable)
	fmt.Printf("Held:      %d\n", result.Held)
}

func cmdTokens(client *rpcclient.Client) {
	var result rpc.TokenListResult
	if err := client.Call("token_list", nil, &result); err != nil {
		fatal("token_list: %v", err)
	}
	printTokens(result.Tokens)
	fmt.Printf("%d tokens, face value %d\n", result.Count, result.Total)
}

func cmdTelomere(client *rpcclient.Client, args []string) {
	if len(args) != 1 {
		fatal("Usage: tokenwire-cli telomere <token_id>")
	}
	var raw json.RawMessage
	if err := client.Call("token_getTelomere", rpc.TokenIDParam{TokenID: args[0]}, &raw); err != nil {
		fatal("token_getTelomere: %v", err)
	}
	printJSON(raw)
}

// ── clock / select ──────────────────────────────────────────────────────

func cmdClock(client *rpcclient.Client) {
	var result rpc.ClockResult
	if err := client.Call("clock_get", nil, &result); err != nil {
		fatal("clock_get: %v", err)
	}
	for _, d := range result.Denominations {
		fmt.Printf("  %-6d %4d  %s\n", d.Denomination, d.Count, d.Status)
	}
	fmt.Printf("Packed: %d\n", result.Packed)
}

func cmdSelect(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	amount := fs.Uint64("amount", 0, "Target amount")
	peerClock := fs.Uint("peer-clock", 0, "Counterparty clock in packed form (0 = unknown)")
	fs.Parse(args)

	if *amount == 0 {
		fatal("Usage: tokenwire-cli select --amount <n> [--peer-clock <packed>]")
	}

	var result rpc.SelectionResult
	if err := client.Call("clock_select", rpc.SelectParam{
		Amount:    *amount,
		PeerClock: uint32(*peerClock),
	}, &result); err != nil {
		fatal("clock_select: %v", err)
	}
	printTokens(result.Tokens)
	fmt.Printf("Total %d in %d tokens (score %d)\n", result.Total, len(result.Tokens), result.Score)
}

// ── pay ─────────────────────────────────────────────────────────────────

func cmdPay(rpcURL string, args []string) {
	fs := flag.NewFlagSet("pay", flag.ExitOnError)
	peerAddr := fs.String("peer", "", "Peer multiaddr including /p2p/<id>")
	amount := fs.Uint64("amount", 0, "Amount to send")
	reverse := fs.Uint64("reverse", 0, "Amount the peer sends back")
	purpose := fs.String("purpose", "", "Free-form note")
	maxDuration := fs.Duration("max-duration", 0, "Transaction lifetime (0 = node default)")
	fs.Parse(args)

	if *peerAddr == "" || *amount == 0 {
		fatal("Usage: tokenwire-cli pay --peer <multiaddr> --amount <n> [--reverse <n>] [--purpose <s>]")
	}

	// The call returns once the exchange commits or aborts.
	client := rpcclient.NewWithTimeout(rpcURL, 10*time.Minute)
	var result rpc.TxSummary
	if err := client.Call("payment_send", rpc.PaymentParam{
		Peer:               *peerAddr,
		Amount:             *amount,
		ReverseAmount:      *reverse,
		Purpose:            *purpose,
		MaxDurationSeconds: int64(maxDuration.Seconds()),
	}, &result); err != nil {
		fatal("payment_send: %v", err)
	}
	fmt.Printf("Transaction: %s\n", result.ID)
	fmt.Printf("State:       %s\n", result.State)
}

// ── txs / tx / rollback ─────────────────────────────────────────────────

func cmdTxs(client *rpcclient.Client) {
	var result rpc.TxListResult
	if err := client.Call("tx_list", nil, &result); err != nil {
		fatal("tx_list: %v", err)
	}
	for _, tx := range result.Transactions {
		created := time.UnixMilli(tx.CreatedAtMs).Format(time.RFC3339)
		line := fmt.Sprintf("  %s  %-8s %-10s %8d  %s", created, tx.Role, tx.State, tx.Amount, tx.ID)
		if tx.Reason != "" {
			line += "  (" + tx.Reason + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("%d transactions\n", result.Count)
}

func cmdTx(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: tokenwire-cli tx <id> [--role sender|receiver]")
	}
	fs := flag.NewFlagSet("tx", flag.ExitOnError)
	role := fs.String("role", "", "Which side's copy to show")
	fs.Parse(args[1:])

	var raw json.RawMessage
	if err := client.Call("tx_get", rpc.TxParam{ID: args[0], Role: *role}, &raw); err != nil {
		fatal("tx_get: %v", err)
	}
	printJSON(raw)
}

func cmdRollback(client *rpcclient.Client, args []string) {
	if len(args) != 1 {
		fatal("Usage: tokenwire-cli rollback <id>")
	}
	var result rpc.RollbackResult
	if err := client.Call("tx_rollback", rpc.TxParam{ID: args[0]}, &result); err != nil {
		fatal("tx_rollback: %v", err)
	}
	fmt.Printf("Restored %d tokens\n", result.Restored)
}

// ── buffer ──────────────────────────────────────────────────────────────

func cmdBuffer(client *rpcclient.Client, args []string) {
	const bufferUsage = "Usage: tokenwire-cli buffer <list|open|add|remove|transfer> [args]"
	if len(args) < 1 {
		fatal(bufferUsage)
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("buffer "+sub, flag.ExitOnError)
	txID := fs.String("tx", "", "Transaction id recorded on the buffer")
	positional, err := splitPositional(fs, rest)
	if err != nil {
		fatal("%v", err)
	}

	var result rpc.BufferResult
	switch sub {
	case "list":
		var list rpc.BufferListResult
		if err := client.Call("buffer_list", nil, &list); err != nil {
			fatal("buffer_list: %v", err)
		}
		for _, b := range list.Buffers {
			printBuffer(b)
		}
		fmt.Printf("%d buffers\n", list.Count)
		return
	case "open":
		need(positional, 1, "buffer open <token_id>")
		if err := client.Call("buffer_open", rpc.TokenIDParam{TokenID: positional[0]}, &result); err != nil {
			fatal("buffer_open: %v", err)
		}
	case "add", "remove":
		need(positional, 2, "buffer "+sub+" <token_id> <amount>")
		amount, err := parseFraction(positional[1])
		if err != nil {
			fatal("%v", err)
		}
		if err := client.Call("buffer_"+sub, rpc.BufferParam{
			TokenID:       positional[0],
			Amount:        amount,
			TransactionID: *txID,
		}, &result); err != nil {
			fatal("buffer_%s: %v", sub, err)
		}
	case "transfer":
		need(positional, 3, "buffer transfer <from_id> <to_id> <amount>")
		amount, err := parseFraction(positional[2])
		if err != nil {
			fatal("%v", err)
		}
		if err := client.Call("buffer_transfer", rpc.BufferTransferParam{
			From:          positional[0],
			To:            positional[1],
			Amount:        amount,
			TransactionID: *txID,
		}, &result); err != nil {
			fatal("buffer_transfer: %v", err)
		}
	default:
		fatal("Unknown buffer command: %s\n%s", sub, bufferUsage)
	}
	printBuffer(result.Buffer)
	for _, t := range result.Minted {
		fmt.Printf("  minted %s\n", t.ID)
	}
}

// splitPositional parses fs from args, allowing flags and positional
// arguments to be interleaved.
func splitPositional(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func need(args []string, count int, usage string) {
	if len(args) != count {
		fatal("Usage: tokenwire-cli %s", usage)
	}
}

// parseFraction parses a buffer amount with at most two decimal places.
func parseFraction(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative amount %q", s)
	}
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 > 2 {
		return 0, fmt.Errorf("too many decimal places in %q (max 2)", s)
	}
	return v, nil
}

// ── Output helpers ──────────────────────────────────────────────────────

func printTokens(tokens []rpc.TokenInfo) {
	for _, t := range tokens {
		status := t.Status
		if t.Expired {
			status = "EXPIRED"
		}
		fmt.Printf("  %-6d %-8s %s\n", t.Denomination, status, t.ID)
	}
}

func printBuffer(b rpc.BufferInfo) {
	last := b.LastTransactionID
	if last == "" {
		last = "-"
	}
	fmt.Printf("  %s  buffer=%.2f  last_tx=%s\n", b.TokenID, b.Buffer, last)
}

func printJSON(raw json.RawMessage) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fatal("decode: %v", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("encode: %v", err)
	}
	fmt.Println(string(out))
}

func shortKey(k string) string {
	if len(k) <= 16 {
		return k
	}
	return k[:8] + ".." + k[len(k)-8:]
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	for _, arg := range args {
		if err, ok := arg.(error); ok && errors.Is(err, rpcclient.ErrUnreachable) {
			fmt.Fprintln(os.Stderr, "Is tokenwired running? Check --rpc or rpc.port in tokenwire.conf.")
			break
		}
	}
	os.Exit(1)
}
