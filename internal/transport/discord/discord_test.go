package discord

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
)

// fakeSession implements the session interface for testing.
type fakeSession struct {
	mu       sync.Mutex
	opened   bool
	closed   bool
	sent     []string
	sentTo   []string
	sendErr  error
	handlers []interface{}
}

func (f *fakeSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sentTo = append(f.sentTo, channelID)
	f.sent = append(f.sent, content)
	return &discordgo.Message{}, nil
}

func (f *fakeSession) AddHandler(handler interface{}) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
	return func() {}
}

func newConnectedAdapter(t *testing.T) (*Adapter, *fakeSession) {
	t.Helper()
	sess := &fakeSession{}
	a, err := New(AdapterOpts{Session: sess})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, sess
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Errorf("expected error without token or session")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	a, err := New(AdapterOpts{Session: &fakeSession{}})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Send(context.Background(), "c1", "hi"); err == nil {
		t.Errorf("send before connect must fail")
	}
}

func TestSendDeliversToChannel(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	if err := a.Send(context.Background(), "c1", "session done"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sess.sent) != 1 || sess.sentTo[0] != "c1" || sess.sent[0] != "session done" {
		t.Errorf("sent = %v to %v", sess.sent, sess.sentTo)
	}
}

func TestHandleMessageConvertsEvent(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "100",
		ChannelID: "chan-1",
		Content:   "voice note attached",
		Author:    &discordgo.User{ID: "user-1", Username: "alice"},
		ReferencedMessage: &discordgo.Message{
			Content: "original question",
		},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "att-1", Filename: "note.ogg", ContentType: "audio/ogg", URL: "https://cdn/note.ogg"},
			{ID: "att-2", Filename: "doc.pdf", ContentType: "application/pdf", URL: "https://cdn/doc.pdf"},
		},
	}})

	evt := <-a.inbound
	if evt.OwnerID != "user-1" || evt.ChatID != "chan-1" || evt.MessageID != "100" {
		t.Errorf("identity fields = %+v", evt)
	}
	if evt.ReplyText != "original question" {
		t.Errorf("reply text = %q", evt.ReplyText)
	}
	if evt.VoiceURL != "https://cdn/note.ogg" {
		t.Errorf("voice url = %q", evt.VoiceURL)
	}
	if len(evt.Attachments) != 1 || evt.Attachments[0].FileID != "att-2" {
		t.Errorf("attachments = %+v", evt.Attachments)
	}
}

func TestHandleMessageCarriesForwardedSnapshot(t *testing.T) {
	a, _ := newConnectedAdapter(t)

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "200",
		ChannelID: "chan-1",
		Author:    &discordgo.User{ID: "user-1"},
		MessageSnapshots: []discordgo.MessageSnapshot{
			{Message: &discordgo.Message{Content: "forwarded meeting notes"}},
		},
	}})

	evt := <-a.inbound
	if evt.Forwarded != "forwarded meeting notes" {
		t.Errorf("forwarded = %q", evt.Forwarded)
	}
	if !evt.HasContent() {
		t.Errorf("forward-only event must count as content")
	}
}

func TestHandleMessageFiltersBots(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	a.SetBotUserID("bot-1")

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "1", ChannelID: "c", Content: "self",
		Author: &discordgo.User{ID: "bot-1"},
	}})
	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "2", ChannelID: "c", Content: "other bot",
		Author: &discordgo.User{ID: "bot-2", Bot: true},
	}})
	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "3", ChannelID: "c", Content: "human",
		Author: &discordgo.User{ID: "user-1"},
	}})

	evt := <-a.inbound
	if evt.MessageID != "3" {
		t.Errorf("got event %q, want the human message", evt.MessageID)
	}
	select {
	case extra := <-a.inbound:
		t.Errorf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sess.closed {
		t.Errorf("underlying session not closed")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestIsVoice(t *testing.T) {
	if !isVoice("audio/ogg") || !isVoice("audio/mpeg") {
		t.Errorf("audio types must be voice")
	}
	if isVoice("application/pdf") || isVoice("") {
		t.Errorf("non-audio types must not be voice")
	}
}
