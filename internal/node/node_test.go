package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Klingon-tech/tokenwire/config"
	"github.com/Klingon-tech/tokenwire/internal/clock"
	"github.com/Klingon-tech/tokenwire/internal/exchange"
	"github.com/Klingon-tech/tokenwire/internal/ledger"
	"github.com/Klingon-tech/tokenwire/internal/p2p"
	"github.com/Klingon-tech/tokenwire/internal/storage"
	"github.com/Klingon-tech/tokenwire/internal/wire"
	"github.com/Klingon-tech/tokenwire/pkg/token"
)

const testStart = int64(1_700_000_000_000)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(config.Testnet)
	cfg.DataDir = t.TempDir()
	cfg.Storage.Backend = config.BackendMemory
	cfg.P2P.Enabled = false
	cfg.Log.Level = "error"
	return cfg
}

// newTestNode builds an offline node on a shared manual clock.
func newTestNode(t *testing.T, clk *clock.Manual, mods ...func(*config.Config)) *Node {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mods {
		m(cfg)
	}
	n, err := New(cfg, WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

// direct delivers envelopes straight to the receiver's handler.
func direct(to *Node) Sender {
	return func(_ context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		return to.HandleEnvelope("", env), nil
	}
}

func mustIssue(t *testing.T, n *Node, amount uint64) []*token.Token {
	t.Helper()
	toks, err := n.Issue(amount, 0)
	if err != nil {
		t.Fatalf("Issue(%d): %v", amount, err)
	}
	return toks
}

func assertBalance(t *testing.T, n *Node, want uint64) {
	t.Helper()
	got, err := n.Balance()
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if got != want {
		t.Errorf("balance = %d, want %d", got, want)
	}
}

func assertNoReserved(t *testing.T, n *Node) {
	t.Helper()
	held, err := n.Ledger().Holdings(n.Owner())
	if err != nil {
		t.Fatalf("Holdings: %v", err)
	}
	for _, tok := range held {
		if tok.Status == token.StatusReserved {
			t.Errorf("token %s still reserved", tok.ID)
		}
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.tokenwire/owner.key", filepath.Join(home, ".tokenwire/owner.key")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDecompose(t *testing.T) {
	tests := []struct {
		amount uint64
		want   []token.Denomination
	}{
		{0, nil},
		{1, []token.Denomination{token.D1}},
		{88, []token.Denomination{token.D50, token.D20, token.D10, token.D5, token.D2, token.D1}},
		{1000, []token.Denomination{token.D500, token.D500}},
		{4, []token.Denomination{token.D2, token.D2}},
	}
	for _, tt := range tests {
		got := decompose(tt.amount)
		if len(got) != len(tt.want) {
			t.Errorf("decompose(%d) = %v, want %v", tt.amount, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("decompose(%d) = %v, want %v", tt.amount, got, tt.want)
				break
			}
		}
	}
}

func TestLoadOwnerKey_Persistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "owner.key")
	first, err := loadOwnerKey(path)
	if err != nil {
		t.Fatalf("loadOwnerKey: %v", err)
	}
	second, err := loadOwnerKey(path)
	if err != nil {
		t.Fatalf("loadOwnerKey (reload): %v", err)
	}
	if first.OwnerID() != second.OwnerID() {
		t.Error("owner key should persist across loads")
	}
}

func TestIssue(t *testing.T) {
	clk := clock.NewManual(testStart)
	n := newTestNode(t, clk)

	toks, err := n.Issue(88, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(toks) != 6 {
		t.Errorf("issued %d tokens, want 6", len(toks))
	}
	for _, tok := range toks {
		if tok.ExpiryTimeMs == nil || *tok.ExpiryTimeMs != testStart+time.Hour.Milliseconds() {
			t.Errorf("token %s expiry = %v", tok.ID, tok.ExpiryTimeMs)
		}
		tel, _ := n.Ledger().Telomere(tok.Key())
		if tel == nil || tel.CurrentOwner != n.Owner() {
			t.Errorf("token %s not owned by issuer", tok.ID)
		}
	}
	assertBalance(t, n, 88)

	clk.Advance(2 * time.Hour)
	assertBalance(t, n, 0)

	if _, err := n.Issue(0, 0); err == nil {
		t.Error("Issue(0) should fail")
	}
}

func TestPayVia(t *testing.T) {
	clk := clock.NewManual(testStart)
	alice := newTestNode(t, clk)
	bob := newTestNode(t, clk)
	mustIssue(t, alice, 88)

	tx, err := alice.PayVia(context.Background(), direct(bob), bob.Owner(), Payment{Amount: 37, Purpose: "lunch"})
	if err != nil {
		t.Fatalf("PayVia: %v", err)
	}
	if tx.State != exchange.StateCommitted {
		t.Fatalf("state = %s, want COMMITTED", tx.State)
	}
	if tx.Metadata[exchange.MetaPurpose] != "lunch" {
		t.Errorf("purpose = %q", tx.Metadata[exchange.MetaPurpose])
	}
	assertBalance(t, alice, 51)
	assertBalance(t, bob, 37)
	assertNoReserved(t, alice)

	for _, tok := range tx.SenderExoPak.Tokens {
		tel, _ := bob.Ledger().Telomere(tok.Key())
		if tel == nil || tel.CurrentOwner != bob.Owner() {
			t.Errorf("token %s not owned by bob", tok.ID)
			continue
		}
		if !tel.VerifyPreviousOwnership(alice.Owner()) {
			t.Errorf("token %s history should include alice", tok.ID)
		}
		if spentIn, ok, _ := alice.Ledger().Spent(tok.Key()); !ok || spentIn != tx.ID {
			t.Errorf("token %s spent record = %q, %v", tok.ID, spentIn, ok)
		}
	}

	stored, err := bob.Ledger().Transaction(tx.ID, exchange.RoleReceiver)
	if err != nil || stored == nil || stored.State != exchange.StateCommitted {
		t.Errorf("receiver copy = %+v, %v", stored, err)
	}
	if retro, _ := alice.Ledger().RetroPak(tx.ID, exchange.RoleSender); retro != nil {
		t.Error("rollback packet should be dropped after commit")
	}

	// Bob can spend what he received.
	if _, err := bob.PayVia(context.Background(), direct(alice), alice.Owner(), Payment{Amount: 7}); err != nil {
		t.Fatalf("PayVia back: %v", err)
	}
	assertBalance(t, alice, 58)
	assertBalance(t, bob, 30)
}

func TestPayVia_ReverseAmount(t *testing.T) {
	clk := clock.NewManual(testStart)
	alice := newTestNode(t, clk)
	bob := newTestNode(t, clk)
	mustIssue(t, alice, 88)
	mustIssue(t, bob, 17)

	tx, err := alice.PayVia(context.Background(), direct(bob), bob.Owner(), Payment{Amount: 20, ReverseAmount: 5})
	if err != nil {
		t.Fatalf("PayVia: %v", err)
	}
	if got := token.Sum(tx.ReceiverExoPak.Tokens); got != 5 {
		t.Errorf("reverse tokens sum to %d, want 5", got)
	}
	assertBalance(t, alice, 73)
	assertBalance(t, bob, 32)
	assertNoReserved(t, alice)
	assertNoReserved(t, bob)
}

func TestPayVia_Insufficient(t *testing.T) {
	clk := clock.NewManual(testStart)
	alice := newTestNode(t, clk)
	bob := newTestNode(t, clk)
	mustIssue(t, alice, 5)

	_, err := alice.PayVia(context.Background(), direct(bob), bob.Owner(), Payment{Amount: 6})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
	assertBalance(t, alice, 5)
}

func TestPayVia_AutoAcceptLimit(t *testing.T) {
	clk := clock.NewManual(testStart)
	alice := newTestNode(t, clk)
	bob := newTestNode(t, clk, func(c *config.Config) { c.Engine.AutoAccept = 10 })
	mustIssue(t, alice, 88)

	_, err := alice.PayVia(context.Background(), direct(bob), bob.Owner(), Payment{Amount: 20})
	if !errors.Is(err, exchange.ErrPeerRejected) {
		t.Fatalf("err = %v, want ErrPeerRejected", err)
	}
	assertBalance(t, alice, 88)
	assertNoReserved(t, alice)
	assertBalance(t, bob, 0)

	if _, err := alice.PayVia(context.Background(), direct(bob), bob.Owner(), Payment{Amount: 10}); err != nil {
		t.Fatalf("PayVia under limit: %v", err)
	}
	assertBalance(t, bob, 10)
}

func TestPayVia_SpentNoticeRejects(t *testing.T) {
	clk := clock.NewManual(testStart)
	alice := newTestNode(t, clk)
	bob := newTestNode(t, clk)
	toks := mustIssue(t, alice, 3)

	notice, err := p2p.NewSpentNotice(alice.key, "earlier-tx", []string{toks[0].Key()}, clk.NowMs())
	if err != nil {
		t.Fatalf("NewSpentNotice: %v", err)
	}
	bob.notices.add(notice)

	_, err = alice.PayVia(context.Background(), direct(bob), bob.Owner(), Payment{Amount: 1})
	if !errors.Is(err, exchange.ErrPeerRejected) {
		t.Fatalf("err = %v, want ErrPeerRejected", err)
	}
	assertBalance(t, alice, 3)

	// The notice expires after its TTL.
	clk.Advance(noticeTTL + time.Minute)
	bob.Sweep()
	if bob.notices.len() != 0 {
		t.Errorf("notices = %d after TTL", bob.notices.len())
	}
}

func TestPayVia_PeerErrorOnConfirmation(t *testing.T) {
	clk := clock.NewManual(testStart)
	alice := newTestNode(t, clk)
	bob := newTestNode(t, clk)
	mustIssue(t, alice, 88)

	send := func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		if env.Kind == wire.KindConfirmation {
			return wire.Error(env.TransactionID, errors.New("disk full")), nil
		}
		return bob.HandleEnvelope("", env), nil
	}
	_, err := alice.PayVia(context.Background(), send, bob.Owner(), Payment{Amount: 37})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "disk full" {
		t.Fatalf("err = %v, want RemoteError", err)
	}
	assertBalance(t, alice, 88)
	assertNoReserved(t, alice)
}

func TestPayVia_LostAcknowledgementRollsBack(t *testing.T) {
	clk := clock.NewManual(testStart)
	alice := newTestNode(t, clk)
	bob := newTestNode(t, clk)
	mustIssue(t, alice, 88)

	var txID string
	send := func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		reply := bob.HandleEnvelope("", env)
		if env.Kind == wire.KindConfirmation {
			txID = env.TransactionID
			return nil, errors.New("stream reset")
		}
		return reply, nil
	}
	if _, err := alice.PayVia(context.Background(), send, bob.Owner(), Payment{Amount: 37}); err == nil {
		t.Fatal("PayVia should fail when the acknowledgement is lost")
	}

	tx, ok := alice.Engine().Get(txID, exchange.RoleSender)
	if !ok || tx.State != exchange.StatePrepared {
		t.Fatalf("sender copy = %+v, want PREPARED", tx)
	}
	assertBalance(t, alice, 0)
	if retro, _ := alice.Ledger().RetroPak(txID, exchange.RoleSender); retro == nil {
		t.Fatal("rollback packet should be stored while prepared")
	}

	if n := alice.Sweep(); n != 0 {
		t.Errorf("Sweep before deadline aborted %d", n)
	}
	clk.Advance(alice.cfg.Engine.MaxDuration + time.Second)
	if n := alice.Sweep(); n != 1 {
		t.Fatalf("Sweep aborted %d, want 1", n)
	}
	assertBalance(t, alice, 88)
	assertNoReserved(t, alice)

	stored, _ := alice.Ledger().Transaction(txID, exchange.RoleSender)
	if stored == nil || stored.State != exchange.StateAborted {
		t.Errorf("stored copy = %+v, want ABORTED", stored)
	}
	if retro, _ := alice.Ledger().RetroPak(txID, exchange.RoleSender); retro != nil {
		t.Error("rollback packet should be consumed")
	}
}

func TestRollback_Operator(t *testing.T) {
	clk := clock.NewManual(testStart)
	alice := newTestNode(t, clk)
	bob := newTestNode(t, clk)
	mustIssue(t, alice, 88)

	var txID string
	send := func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		reply := bob.HandleEnvelope("", env)
		if env.Kind == wire.KindConfirmation {
			txID = env.TransactionID
			return nil, errors.New("stream reset")
		}
		return reply, nil
	}
	if _, err := alice.PayVia(context.Background(), send, bob.Owner(), Payment{Amount: 37}); err == nil {
		t.Fatal("PayVia should fail when the acknowledgement is lost")
	}
	assertBalance(t, alice, 0)

	restored, err := alice.Rollback(txID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if restored == 0 {
		t.Error("Rollback restored no tokens")
	}
	assertBalance(t, alice, 88)
	assertNoReserved(t, alice)

	stored, _ := alice.Ledger().Transaction(txID, exchange.RoleSender)
	if stored == nil || stored.State != exchange.StateAborted {
		t.Errorf("stored copy = %+v, want ABORTED", stored)
	}
	if tx, _ := alice.Engine().Get(txID, exchange.RoleSender); tx.Metadata[exchange.MetaAbortReason] != reasonOperator {
		t.Errorf("abort reason = %q, want %q", tx.Metadata[exchange.MetaAbortReason], reasonOperator)
	}
}

func TestRollback_CommittedRefused(t *testing.T) {
	clk := clock.NewManual(testStart)
	alice := newTestNode(t, clk)
	bob := newTestNode(t, clk)
	mustIssue(t, alice, 88)

	tx, err := alice.PayVia(context.Background(), direct(bob), bob.Owner(), Payment{Amount: 37})
	if err != nil {
		t.Fatalf("PayVia: %v", err)
	}
	if _, err := alice.Rollback(tx.ID); !errors.Is(err, ledger.ErrNoRetroPak) {
		t.Fatalf("Rollback(committed) err = %v, want ErrNoRetroPak", err)
	}
	assertBalance(t, alice, 51)
	assertBalance(t, bob, 37)
}

func TestSweep_ReceiverTimeout(t *testing.T) {
	clk := clock.NewManual(testStart)
	alice := newTestNode(t, clk)
	bob := newTestNode(t, clk)
	mustIssue(t, alice, 88)
	mustIssue(t, bob, 17)

	pool, _ := alice.Ledger().Spendable(alice.Owner(), clk.NowMs())
	init, err := alice.Engine().Initiate(exchange.Context{
		Amount:      20,
		Constraints: exchange.Constraints{ReverseAmount: 5},
	}, pool, bob.Owner())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	env, _ := wire.Wrap(init)
	reply := bob.HandleEnvelope("", env)
	if reply.Kind != wire.KindResponse {
		t.Fatalf("reply kind = %s", reply.Kind)
	}
	assertBalance(t, bob, 0)

	// A repeated initiation gets the same answer and reserves nothing more.
	again := bob.HandleEnvelope("", env)
	if again.Kind != wire.KindResponse {
		t.Fatalf("repeat reply kind = %s", again.Kind)
	}

	resp, _ := reply.Unwrap()
	conf, err := alice.Engine().ProcessResponse(resp.(*exchange.Response))
	if err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}

	clk.Advance(bob.cfg.Engine.MaxDuration + time.Second)
	if n := bob.Sweep(); n != 1 {
		t.Fatalf("Sweep aborted %d, want 1", n)
	}
	assertBalance(t, bob, 17)
	assertNoReserved(t, bob)

	// A confirmation after the abort is refused.
	if got := bob.HandleEnvelope("", mustWrap(t, conf)); got.Kind != wire.KindError {
		t.Errorf("late confirmation reply = %s, want ERROR", got.Kind)
	}
	assertBalance(t, bob, 17)
}

func TestHandleEnvelope_Refusals(t *testing.T) {
	clk := clock.NewManual(testStart)
	bob := newTestNode(t, clk)

	tests := []struct {
		name string
		env  *wire.Envelope
	}{
		{"garbage payload", &wire.Envelope{Kind: wire.KindInitiation, TransactionID: "tx", Payload: []byte{0xff, 0x00}}},
		{"unknown kind", &wire.Envelope{Kind: 99, TransactionID: "tx"}},
		{"acknowledgement", mustWrap(t, &exchange.Acknowledgement{TransactionID: "tx"})},
		{"unknown confirmation", mustWrap(t, &exchange.Confirmation{TransactionID: "tx"})},
		{"foreign initiation", mustWrap(t, &exchange.Initiation{
			TransactionID: "tx",
			Context:       exchange.Context{SenderPublicKey: "aa", ReceiverPublicKey: "bb", Amount: 1},
		})},
		{"nil sender token", mustWrap(t, &exchange.Initiation{
			TransactionID: "tx-nil",
			Context:       exchange.Context{SenderPublicKey: "aa", ReceiverPublicKey: bob.owner, Amount: 1},
			SenderTokens:  []*token.Token{nil},
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := bob.HandleEnvelope("", tt.env)
			if reply.Kind != wire.KindError {
				t.Errorf("reply kind = %s, want ERROR", reply.Kind)
			}
			if reply.TransactionID != tt.env.TransactionID {
				t.Errorf("reply tx = %q", reply.TransactionID)
			}
		})
	}
}

func mustWrap(t *testing.T, msg any) *wire.Envelope {
	t.Helper()
	env, err := wire.Wrap(msg)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	return env
}

func TestBuffers(t *testing.T) {
	clk := clock.NewManual(testStart)
	n := newTestNode(t, clk)
	toks := mustIssue(t, n, 3) // 2 + 1
	var unit, two *token.Token
	for _, tok := range toks {
		if tok.Denomination == token.D1 {
			unit = tok
		} else {
			two = tok
		}
	}

	if _, err := n.OpenBuffer(two.Key()); err == nil {
		t.Error("buffer on a denomination-2 token should fail")
	}
	if _, err := n.OpenBuffer("missing"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("missing token err = %v, want ErrNotOwner", err)
	}
	if _, err := n.OpenBuffer(unit.Key()); err != nil {
		t.Fatalf("OpenBuffer: %v", err)
	}

	rb, minted, err := n.AddToBuffer(unit.Key(), 0.75, "tx-1")
	if err != nil || len(minted) != 0 || rb.Buffer() != 0.75 {
		t.Fatalf("AddToBuffer = %v, %d minted, %v", rb.Buffer(), len(minted), err)
	}
	rb, minted, err = n.AddToBuffer(unit.Key(), 0.5, "tx-2")
	if err != nil {
		t.Fatalf("AddToBuffer: %v", err)
	}
	if len(minted) != 1 || rb.Buffer() != 0.25 {
		t.Errorf("carry: buffer = %v, minted = %d; want 0.25, 1", rb.Buffer(), len(minted))
	}
	assertBalance(t, n, 4)

	if _, err := n.RemoveFromBuffer(unit.Key(), 0.5, "tx-3"); !errors.Is(err, ErrBufferTransfer) {
		t.Errorf("over-remove err = %v, want ErrBufferTransfer", err)
	}
	rb, err = n.RemoveFromBuffer(unit.Key(), 0.25, "tx-3")
	if err != nil || rb.Buffer() != 0 {
		t.Errorf("RemoveFromBuffer = %v, %v", rb, err)
	}

	// Transfer between two buffers on the node.
	second := minted[0]
	if _, err := n.OpenBuffer(second.Key()); err != nil {
		t.Fatalf("OpenBuffer second: %v", err)
	}
	n.AddToBuffer(unit.Key(), 0.6, "tx-4")
	n.AddToBuffer(second.Key(), 0.6, "tx-4")
	dst, carried, err := n.TransferBuffer(unit.Key(), second.Key(), 0.5, "tx-5")
	if err != nil {
		t.Fatalf("TransferBuffer: %v", err)
	}
	if dst.Buffer() != 0.1 || len(carried) != 1 {
		t.Errorf("transfer: target = %v, carried = %d; want 0.1, 1", dst.Buffer(), len(carried))
	}
	src, _ := n.Ledger().Buffer(unit.Key())
	if src.Buffer() != 0.1 {
		t.Errorf("source buffer = %v, want 0.1", src.Buffer())
	}
	if _, _, err := n.TransferBuffer(unit.Key(), second.Key(), 0.5, "tx-6"); !errors.Is(err, ErrBufferTransfer) {
		t.Errorf("overdrawn transfer err = %v, want ErrBufferTransfer", err)
	}
}

func TestNew_SealedBolt(t *testing.T) {
	clk := clock.NewManual(testStart)
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendBolt
	cfg.Storage.Seal = true
	cfg.Passphrase = "correct horse"

	n, err := New(cfg, WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustIssue(t, n, 12)
	owner := n.Owner()
	n.Stop()

	reopened, err := New(cfg, WithClock(clk))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Owner() != owner {
		t.Error("owner key should persist")
	}
	assertBalance(t, reopened, 12)
	reopened.Stop()

	cfg.Passphrase = "wrong"
	if _, err := New(cfg, WithClock(clk)); !errors.Is(err, storage.ErrWrongPassphrase) {
		t.Errorf("wrong passphrase err = %v, want ErrWrongPassphrase", err)
	}
}

func TestStartStop(t *testing.T) {
	clk := clock.NewManual(testStart)
	cfg := testConfig(t)
	cfg.Engine.SweepInterval = 10 * time.Millisecond
	n, err := New(cfg, WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := n.Pay(context.Background(), "", Payment{Amount: 1}); !errors.Is(err, ErrP2PDisabled) {
		t.Errorf("Pay err = %v, want ErrP2PDisabled", err)
	}
	if _, err := n.Connect(context.Background(), "/ip4/127.0.0.1/tcp/1"); !errors.Is(err, ErrP2PDisabled) {
		t.Errorf("Connect err = %v, want ErrP2PDisabled", err)
	}
	time.Sleep(30 * time.Millisecond)
	n.Stop()
}

func TestAdmit_NilSenderToken(t *testing.T) {
	n := newTestNode(t, clock.NewManual(testStart))
	init := &exchange.Initiation{
		TransactionID: "tx-nil",
		Context:       exchange.Context{SenderPublicKey: "aa", ReceiverPublicKey: n.owner, Amount: 1},
		SenderTokens:  []*token.Token{nil},
	}
	if _, err := n.admit(init); !errors.Is(err, exchange.ErrValidationFailed) {
		t.Errorf("admit err = %v, want ErrValidationFailed", err)
	}
	if _, err := n.handleInitiation(init); !errors.Is(err, exchange.ErrValidationFailed) {
		t.Errorf("handleInitiation err = %v, want ErrValidationFailed", err)
	}
}
