package slack

import (
	"context"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// fakeClient implements slackClient for testing.
type fakeClient struct {
	mu      sync.Mutex
	posted  []string
	postTo  []string
	postErr error
}

func (f *fakeClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return &slackapi.AuthTestResponse{UserID: "bot-1"}, nil
}

func (f *fakeClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.postTo = append(f.postTo, channelID)
	f.posted = append(f.posted, "")
	return channelID, "1.0", nil
}

// fakeSocket implements socketClient for testing.
type fakeSocket struct {
	events chan socketmode.Event
}

func (f *fakeSocket) Run() error                                   { return nil }
func (f *fakeSocket) EventsChan() chan socketmode.Event            { return f.events }
func (f *fakeSocket) Ack(req socketmode.Request, p ...interface{}) {}

func newConnectedAdapter(t *testing.T) (*Adapter, *fakeClient) {
	t.Helper()
	client := &fakeClient{}
	a, err := New(AdapterOpts{Client: client, Socket: &fakeSocket{events: make(chan socketmode.Event)}})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, client
}

func TestNewRequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Errorf("expected error without tokens or injected clients")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb-1"}); err == nil {
		t.Errorf("expected error without app token")
	}
}

func TestConnectCapturesBotUserID(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	if a.BotUserID() != "bot-1" {
		t.Errorf("bot user id = %q", a.BotUserID())
	}
}

func TestSendDeliversToChannel(t *testing.T) {
	a, client := newConnectedAdapter(t)
	if err := a.Send(context.Background(), "C123", "done"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(client.postTo) != 1 || client.postTo[0] != "C123" {
		t.Errorf("posted to %v", client.postTo)
	}
	if err := a.Send(context.Background(), "", "done"); err == nil {
		t.Errorf("empty channel must fail")
	}
}

func TestHandleMessageFiltersAndConverts(t *testing.T) {
	a, _ := newConnectedAdapter(t)

	// Self, bot, and subtype messages are dropped.
	a.handleMessage(&slackevents.MessageEvent{User: "bot-1", Channel: "C1", Text: "self"})
	a.handleMessage(&slackevents.MessageEvent{User: "u1", BotID: "B9", Channel: "C1", Text: "bot"})
	a.handleMessage(&slackevents.MessageEvent{User: "u1", SubType: "message_changed", Channel: "C1"})
	a.handleMessage(&slackevents.MessageEvent{
		User: "u1", Channel: "C1", Text: "note to self", TimeStamp: "1700000000.000100",
	})

	evt := <-a.inbound
	if evt.OwnerID != "u1" || evt.ChatID != "C1" || evt.Text != "note to self" {
		t.Errorf("event = %+v", evt)
	}
	if evt.MessageID != "1700000000.000100" {
		t.Errorf("message id = %q", evt.MessageID)
	}
	select {
	case extra := <-a.inbound:
		t.Errorf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestHandleMessageCarriesFileShares(t *testing.T) {
	a, _ := newConnectedAdapter(t)

	a.handleMessage(&slackevents.MessageEvent{
		User: "u1", Channel: "C1", SubType: "file_share",
		Text: "voice note", TimeStamp: "1700000000.000200",
		Message: &slackapi.Msg{Files: []slackapi.File{
			{ID: "F1", Name: "note.m4a", Mimetype: "audio/mp4",
				URLPrivate: "https://files/note.m4a", URLPrivateDownload: "https://files/note.m4a?dl=1"},
			{ID: "F2", Name: "doc.pdf", Mimetype: "application/pdf",
				URLPrivate: "https://files/doc.pdf"},
		}},
	})

	evt := <-a.inbound
	if evt.Text != "voice note" {
		t.Errorf("text = %q", evt.Text)
	}
	if evt.VoiceURL != "https://files/note.m4a?dl=1" {
		t.Errorf("voice url = %q", evt.VoiceURL)
	}
	if len(evt.Attachments) != 1 {
		t.Fatalf("attachments = %+v", evt.Attachments)
	}
	att := evt.Attachments[0]
	if att.FileID != "F2" || att.Name != "doc.pdf" || att.MIME != "application/pdf" ||
		att.URL != "https://files/doc.pdf" {
		t.Errorf("attachment = %+v", att)
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	ts := parseSlackTimestamp("1700000000.000100")
	if ts != time.Unix(1700000000, 0) {
		t.Errorf("parsed = %v", ts)
	}
	if !parseSlackTimestamp("garbage").IsZero() {
		t.Errorf("garbage timestamp must parse to zero")
	}
}
