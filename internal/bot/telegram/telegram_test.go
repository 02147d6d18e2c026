package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"XLayer-WalletBot/internal/bot"
	"XLayer-WalletBot/internal/events"
)

const testToken = "123:abc"

type apiCall struct {
	Method string
	Form   map[string]string
}

type fakeTelegram struct {
	mu      sync.Mutex
	calls   []apiCall
	updates []string
	served  bool
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Form: form})
	updates := "[]"
	if method == "getUpdates" && !f.served {
		updates = "[" + strings.Join(f.updates, ",") + "]"
		f.served = true
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Wallet","username":"walletbot"}}`)
	case "sendMessage":
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":%s,"type":"private"}}}`, form["chat_id"])
	case "getUpdates":
		if updates == "[]" {
			time.Sleep(20 * time.Millisecond)
		}
		fmt.Fprintf(w, `{"ok":true,"result":%s}`, updates)
	default:
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}
}

func (f *fakeTelegram) callsTo(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestBot(t *testing.T, fake *fakeTelegram) *Bot {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	b, err := New(Config{Token: testToken, Endpoint: srv.URL + "/bot%s/%s", PollTimeout: 1}, srv.Client())
	require.NoError(t, err)
	return b
}

type recordingProducer struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingProducer) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{}, http.DefaultClient)
	require.Error(t, err)
}

func TestSendRendersMarkupAndReturnsMessageID(t *testing.T) {
	fake := &fakeTelegram{}
	b := newTestBot(t, fake)

	id, err := b.Send(context.Background(), 700, bot.Message{Text: "*hi*", Markdown: true, Buttons: bot.Menu()})
	require.NoError(t, err)
	require.Equal(t, int64(42), id)

	id, err = b.Send(context.Background(), 700, bot.Message{Text: "amount?", ForceReply: true})
	require.NoError(t, err)
	require.Equal(t, int64(42), id)

	sent := fake.callsTo("sendMessage")
	require.Len(t, sent, 2)
	require.Equal(t, "700", sent[0].Form["chat_id"])
	require.Equal(t, tgbotapi.ModeMarkdown, sent[0].Form["parse_mode"])
	require.Contains(t, sent[0].Form["reply_markup"], `"callback_data":"check_balance"`)
	require.Contains(t, sent[0].Form["reply_markup"], `"callback_data":"pin_message"`)
	require.Empty(t, sent[1].Form["parse_mode"])
	require.Contains(t, sent[1].Form["reply_markup"], `"force_reply":true`)
}

func TestPin(t *testing.T) {
	fake := &fakeTelegram{}
	b := newTestBot(t, fake)

	require.NoError(t, b.Pin(context.Background(), 700, 55))
	pins := fake.callsTo("pinChatMessage")
	require.Len(t, pins, 1)
	require.Equal(t, "55", pins[0].Form["message_id"])
}

func TestToEvent(t *testing.T) {
	user := &tgbotapi.User{ID: 7}
	chat := &tgbotapi.Chat{ID: 700}

	ev, ok := ToEvent(tgbotapi.Update{UpdateID: 1, Message: &tgbotapi.Message{
		MessageID: 10, From: user, Chat: chat, Text: "/start",
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}})
	require.True(t, ok)
	require.Equal(t, "telegram:1", ev.ID)
	require.Equal(t, events.KindCommand, ev.Kind)
	require.Equal(t, "start", ev.Command)
	require.Equal(t, int64(700), ev.ChatID)

	ev, ok = ToEvent(tgbotapi.Update{UpdateID: 2, Message: &tgbotapi.Message{
		MessageID: 11, From: user, Chat: chat, Text: "0.5",
		ReplyToMessage: &tgbotapi.Message{MessageID: 9},
	}})
	require.True(t, ok)
	require.Equal(t, events.KindText, ev.Kind)
	require.Equal(t, int64(9), ev.ReplyTo)
	require.Equal(t, "0.5", ev.Text)

	ev, ok = ToEvent(tgbotapi.Update{UpdateID: 3, CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb", From: user, Data: "deposit_OKB", Message: &tgbotapi.Message{Chat: chat},
	}})
	require.True(t, ok)
	require.Equal(t, events.KindAction, ev.Kind)
	require.Equal(t, "deposit_OKB", ev.Action)
	require.Equal(t, "cb", ev.CallbackID)
	require.NoError(t, ev.Validate())

	_, ok = ToEvent(tgbotapi.Update{UpdateID: 4})
	require.False(t, ok)
	_, ok = ToEvent(tgbotapi.Update{UpdateID: 5, Message: &tgbotapi.Message{From: user, Chat: chat}})
	require.False(t, ok)
}

func TestRunPublishesUpdates(t *testing.T) {
	fake := &fakeTelegram{updates: []string{
		`{"update_id":1,"message":{"message_id":10,"date":0,"from":{"id":7,"is_bot":false,"first_name":"A"},"chat":{"id":700,"type":"private"},"text":"/start","entities":[{"type":"bot_command","offset":0,"length":6}]}}`,
		`{"update_id":2,"callback_query":{"id":"cb1","from":{"id":7,"is_bot":false,"first_name":"A"},"message":{"message_id":10,"date":0,"chat":{"id":700,"type":"private"}},"data":"withdraw_OKB"}}`,
		`{"update_id":3,"callback_query":{"id":"cb2","from":{"id":7,"is_bot":false,"first_name":"A"},"message":{"message_id":10,"date":0,"chat":{"id":700,"type":"private"}},"data":"launch_rocket"}}`,
	}}
	b := newTestBot(t, fake)
	producer := &recordingProducer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, producer) }()

	require.Eventually(t, func() bool {
		return len(producer.snapshot()) == 2 && len(fake.callsTo("sendMessage")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := producer.snapshot()
	require.Equal(t, events.KindCommand, got[0].Kind)
	require.Equal(t, "withdraw_OKB", got[1].Action)

	answers := fake.callsTo("answerCallbackQuery")
	require.Len(t, answers, 2)
	require.Equal(t, textUnknownButton, fake.callsTo("sendMessage")[0].Form["text"])
}
