package bot

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/estimate"
	"XLayer-WalletBot/internal/events"
	"XLayer-WalletBot/internal/okx"
	"XLayer-WalletBot/internal/session"
	"XLayer-WalletBot/internal/status"
	"XLayer-WalletBot/internal/wallet"
	"XLayer-WalletBot/internal/wallet/hdkey"
	"XLayer-WalletBot/internal/web3/ethereum"
	"XLayer-WalletBot/internal/withdraw"
)

const (
	user int64 = 7
	chat int64 = 700
)

type sentMessage struct {
	ID   int64
	Chat int64
	Message
}

type fakeMessenger struct {
	mu     sync.Mutex
	nextID int64
	sent   []sentMessage
	pinned []int64
	pinErr error
}

func (m *fakeMessenger) Send(_ context.Context, chatID int64, msg Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := 100 + m.nextID
	m.sent = append(m.sent, sentMessage{ID: id, Chat: chatID, Message: msg})
	return id, nil
}

func (m *fakeMessenger) Pin(_ context.Context, _ int64, messageID int64) error {
	if m.pinErr != nil {
		return m.pinErr
	}
	m.pinned = append(m.pinned, messageID)
	return nil
}

func (m *fakeMessenger) last() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

func (m *fakeMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeBalances struct {
	balance okx.Balance
	err     error
}

func (f *fakeBalances) TokenBalance(context.Context, string) (okx.Balance, error) {
	return f.balance, f.err
}

type fakeStatus struct {
	result status.Result
	last   status.Query
}

func (f *fakeStatus) Status(_ context.Context, q status.Query) (status.Result, error) {
	f.last = q
	return f.result, nil
}

type harness struct {
	dispatcher *Dispatcher
	store      *session.MemoryStore
	messenger  *fakeMessenger
	balances   *fakeBalances
	status     *fakeStatus
	backend    *simulated.Backend
	address    string
}

// newHarness 预先创建钱包并在模拟链上为其注资。
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store := session.NewMemoryStore()
	provisioner := wallet.NewProvisioner(store, hdkey.Deriver{})
	account, err := provisioner.EnsureAccount(ctx, user)
	require.NoError(t, err)

	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		common.HexToAddress(account.Address): {Balance: big.NewInt(1_000_000_000_000_000_000)},
	})
	t.Cleanup(func() { _ = backend.Close() })
	client := ethereum.NewSimulatedClient("simulated", backend.Client())

	engine, err := withdraw.New(store, client, estimate.New(client), ethereum.LocalSigner{})
	require.NoError(t, err)

	h := &harness{
		store:     store,
		messenger: &fakeMessenger{},
		balances:  &fakeBalances{},
		status:    &fakeStatus{},
		backend:   backend,
		address:   account.Address,
	}
	h.dispatcher, err = NewDispatcher(Deps{
		Store:       store,
		Messenger:   h.messenger,
		Wallets:     provisioner,
		Withdrawals: engine,
		Balances:    h.balances,
		Status:      h.status,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) dispatch(t *testing.T, ev Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Dispatch(ctx, Envelope{ID: "e", UserID: user, ChatID: chat, Event: ev}))
}

func (h *harness) session(t *testing.T) *session.Session {
	t.Helper()
	sess, err := h.store.Get(context.Background(), user)
	require.NoError(t, err)
	return sess
}

func TestParseActionRoundTrip(t *testing.T) {
	for _, b := range Menu() {
		got, err := ParseAction(b.Action.String())
		require.NoError(t, err)
		require.Equal(t, b.Action, got)
	}
	_, err := ParseAction("launch_rocket")
	require.ErrorIs(t, err, ErrUnknownAction)

	name, err := ParseCommand("/start@XLayerBot")
	require.NoError(t, err)
	require.Equal(t, CommandStart, name)
	_, err = ParseCommand("/help")
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestFromEvent(t *testing.T) {
	env, err := FromEvent(events.Event{ID: "1", UserID: 3, Kind: events.KindAction, Action: "withdraw_OKB"})
	require.NoError(t, err)
	require.Equal(t, ActionPressed{Action: ActionWithdraw}, env.Event)
	require.Equal(t, int64(3), env.ChatID)

	env, err = FromEvent(events.Event{ID: "2", UserID: 3, ChatID: 9, Kind: events.KindText, Text: "hi", ReplyTo: 5})
	require.NoError(t, err)
	require.Equal(t, TextMessage{ReplyTo: 5, Text: "hi"}, env.Event)

	_, err = FromEvent(events.Event{UserID: 3, Kind: events.KindAction, Action: "nope"})
	require.Equal(t, xerrors.CodeInvalidInput, xerrors.CodeOf(err))
}

func TestStartShowsMenuAndTracksMessage(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, Command{Name: CommandStart})

	msg := h.messenger.last()
	require.Equal(t, chat, msg.Chat)
	require.True(t, msg.Markdown)
	require.Contains(t, msg.Text, h.address)
	require.Len(t, msg.Buttons, len(Menu()))
	require.Equal(t, msg.ID, h.session(t).MessageID)

	h.dispatch(t, Command{Name: CommandStart})
	require.Contains(t, h.messenger.last().Text, h.address)
}

func TestDepositSendsThreeMessages(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, ActionPressed{Action: ActionDeposit})

	require.Equal(t, 3, h.messenger.count())
	last := h.messenger.last()
	require.Equal(t, "`"+h.address+"`", last.Text)
	require.Equal(t, last.ID, h.session(t).MessageID)
}

func TestCheckBalance(t *testing.T) {
	h := newHarness(t)
	h.balances.balance = okx.Balance{Symbol: "OKB", Balance: "1.5", TokenPrice: "50"}
	h.dispatch(t, ActionPressed{Action: ActionCheckBalance})
	require.Equal(t, "Your XLayer OKB balance:\n1.50000000 OKB (USD 75.00)", h.messenger.last().Text)

	h.balances.err = errors.New("api down")
	h.dispatch(t, ActionPressed{Action: ActionCheckBalance})
	require.Equal(t, textBalanceError, h.messenger.last().Text)
}

func TestExportKey(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, ActionPressed{Action: ActionExportKey})
	require.Equal(t, 2, h.messenger.count())
	require.Equal(t, "`"+h.session(t).PrivateKey+"`", h.messenger.last().Text)

	other := &fakeMessenger{}
	h.dispatcher.messenger = other
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), Envelope{UserID: 99, ChatID: 99, Event: ActionPressed{Action: ActionExportKey}}))
	require.Equal(t, textNoWallet, other.last().Text)
}

func TestPinMessage(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, Command{Name: CommandStart})
	welcome := h.messenger.last().ID

	h.dispatch(t, ActionPressed{Action: ActionPinMessage})
	require.Equal(t, []int64{welcome}, h.messenger.pinned)
	require.Equal(t, textPinned, h.messenger.last().Text)

	h.messenger.pinErr = errors.New("not enough rights")
	h.dispatch(t, ActionPressed{Action: ActionPinMessage})
	require.Equal(t, textPinFailed, h.messenger.last().Text)
}

func TestUncorrelatedTextIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, TextMessage{Text: "0.5"})
	require.Zero(t, h.messenger.count())

	h.dispatch(t, ActionPressed{Action: ActionWithdraw})
	before := h.messenger.count()
	h.dispatch(t, TextMessage{ReplyTo: 1, Text: "0.5"})
	h.dispatch(t, TextMessage{Text: "0.5"})
	require.Equal(t, before, h.messenger.count())
	require.Equal(t, session.StageAwaitingAmount, h.session(t).Flow.Stage)
}

func TestWithdrawConversation(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, ActionPressed{Action: ActionWithdraw})
	amountPrompt := h.messenger.last()
	require.True(t, amountPrompt.ForceReply)
	require.Equal(t, textAmountPrompt, amountPrompt.Text)
	require.Equal(t, amountPrompt.ID, h.session(t).Flow.Prompt.MessageID)

	h.dispatch(t, TextMessage{ReplyTo: amountPrompt.ID, Text: "abc"})
	reprompt := h.messenger.last()
	require.True(t, reprompt.ForceReply)
	require.Contains(t, reprompt.Text, "positive amount")
	require.Contains(t, reprompt.Text, withdraw.ReplyHint)

	// 回复已被替换的提示不会推进流程。
	sent := h.messenger.count()
	h.dispatch(t, TextMessage{ReplyTo: amountPrompt.ID, Text: "0.5"})
	require.Equal(t, sent, h.messenger.count())
	require.Empty(t, h.session(t).Flow.Amount)

	h.dispatch(t, TextMessage{ReplyTo: reprompt.ID, Text: "0.5"})
	addressPrompt := h.messenger.last()
	require.Equal(t, textAddressPrompt, addressPrompt.Text)
	sess := h.session(t)
	require.Equal(t, "0.5", sess.Flow.Amount)
	require.Equal(t, addressPrompt.ID, sess.Flow.Prompt.MessageID)

	h.dispatch(t, TextMessage{ReplyTo: addressPrompt.ID, Text: "0x123"})
	addressReprompt := h.messenger.last()
	require.Contains(t, addressReprompt.Text, "valid address")
	require.Contains(t, addressReprompt.Text, withdraw.ReplyHint)
	require.Equal(t, "0.5", h.session(t).Flow.Amount)

	to := "0x" + strings.Repeat("ab", 20)
	before := h.messenger.count()
	h.dispatch(t, TextMessage{ReplyTo: addressReprompt.ID, Text: to})
	require.Equal(t, before+2, h.messenger.count())
	require.Equal(t, textInitiating, h.messenger.sent[before].Text)

	final := h.messenger.last()
	require.Contains(t, final.Text, "Successfully initiated withdrawal of 0.5 OKB to "+to)
	sess = h.session(t)
	require.NotEmpty(t, sess.LastTxID)
	require.Contains(t, final.Text, sess.LastTxID)
	require.False(t, sess.WithdrawalRequested())
	require.Empty(t, sess.Flow.Amount)
	require.Equal(t, final.ID, sess.MessageID)

	h.status.result = status.Result{State: status.Pending, Hash: sess.LastTxID, Source: status.SourceChain}
	h.dispatch(t, ActionPressed{Action: ActionCheckStatus})
	require.Equal(t, sess.LastTxID, h.status.last.TxHash)
	require.Contains(t, h.messenger.last().Text, "Transaction status: pending")
}

func TestWithdrawInsufficientFundsMessage(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, ActionPressed{Action: ActionWithdraw})
	h.dispatch(t, TextMessage{ReplyTo: h.messenger.last().ID, Text: "5"})
	h.dispatch(t, TextMessage{ReplyTo: h.messenger.last().ID, Text: "0x" + strings.Repeat("cd", 20)})

	require.Contains(t, h.messenger.last().Text, "Insufficient balance")
	sess := h.session(t)
	require.Empty(t, sess.Flow.Amount)
	require.Empty(t, sess.LastTxID)

	h.dispatch(t, ActionPressed{Action: ActionWithdraw})
	require.Equal(t, session.StageAwaitingAmount, h.session(t).Flow.Stage)
}

func TestCheckStatusWithoutWithdrawal(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, ActionPressed{Action: ActionCheckStatus})
	require.Equal(t, textNothingToCheck, h.messenger.last().Text)
}

func TestHandleDropsUnknownAction(t *testing.T) {
	h := newHarness(t)
	err := h.dispatcher.Handle(context.Background(), events.Event{ID: "x", UserID: user, Kind: events.KindAction, Action: "bogus"})
	require.NoError(t, err)
	require.Zero(t, h.messenger.count())
}
