package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/line/line-bot-sdk-go/v7/linebot"
	"github.com/rs/zerolog"

	"notifier/internal/config"
	"notifier/internal/external"
	"notifier/internal/store"
	"notifier/internal/webhook"
)

const testSecret = "channel-secret"

type sentReply struct {
	Token string
	Text  string
}

type sentBroadcast struct {
	ChatIDs []string
	Text    string
}

// fakeMessenger records what would have gone to LINE.
type fakeMessenger struct {
	mu         sync.Mutex
	replies    []sentReply
	broadcasts []sentBroadcast
}

func (f *fakeMessenger) Reply(_ context.Context, replyToken, text string) (bool, error) {
	if replyToken == "" {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sentReply{Token: replyToken, Text: text})
	return true, nil
}

func (f *fakeMessenger) Broadcast(_ context.Context, chatIDs []string, text string) []external.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, sentBroadcast{ChatIDs: chatIDs, Text: text})
	out := make([]external.Delivery, len(chatIDs))
	for i, id := range chatIDs {
		out[i].ChatID = id
	}
	return out
}

type fixture struct {
	router    *gin.Engine
	store     *store.Store
	messenger *fakeMessenger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.Open(config.Database{
		Driver:       config.DriverSQLite,
		Path:         filepath.Join(t.TempDir(), "subs.db"),
		MaxOpenConns: 1,
	}, false)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	parser, err := linebot.New(testSecret, "access-token")
	if err != nil {
		t.Fatalf("linebot.New: %v", err)
	}
	messenger := &fakeMessenger{}
	log := zerolog.Nop()
	router := NewRouter(Options{
		Parser:      parser,
		Dispatcher:  webhook.New(s, messenger, true, log),
		Broadcaster: external.NewBroadcaster(s, messenger, log),
		Log:         log,
		StartTime:   time.Now(),
	})
	return &fixture{router: router, store: s, messenger: messenger}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func webhookRequest(body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	return req
}

func textEvent(replyToken, userID, text string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "message",
		"replyToken": replyToken,
		"timestamp":  1462629479859,
		"mode":       "active",
		"source":     map[string]interface{}{"type": "user", "userId": userID},
		"message":    map[string]interface{}{"type": "text", "id": "1", "text": text},
	}
}

func eventBatch(t *testing.T, events ...map[string]interface{}) string {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"destination": "Ubot", "events": events})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(body)
}

func TestWebhookSubscribeAndStatus(t *testing.T) {
	f := newFixture(t)
	body := eventBatch(t,
		textEvent("r1", "U1", "@on ktx"),
		textEvent("r2", "U1", "@status"),
	)

	w := f.do(webhookRequest(body, sign(testSecret, body)))

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("response = %d %q", w.Code, w.Body.String())
	}
	want := []sentReply{{"r1", "(ktx) subscribed!"}, {"r2", "ktx"}}
	if !reflect.DeepEqual(f.messenger.replies, want) {
		t.Errorf("replies = %+v, want %+v", f.messenger.replies, want)
	}
}

func TestWebhookInvalidSignatureWritesNothing(t *testing.T) {
	f := newFixture(t)
	body := eventBatch(t, textEvent("r1", "U1", "@on ktx"))

	w := f.do(webhookRequest(body, sign("wrong-secret", body)))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	tokens, err := f.store.ListTokensForChat(context.Background(), "U1")
	if err != nil {
		t.Fatalf("ListTokensForChat: %v", err)
	}
	if len(tokens) != 0 {
		t.Errorf("nothing should be stored, got %v", tokens)
	}
	if len(f.messenger.replies) != 0 {
		t.Errorf("no replies expected, got %v", f.messenger.replies)
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	f := newFixture(t)
	body := eventBatch(t, textEvent("r1", "U1", "@on ktx"))

	if w := f.do(webhookRequest(body, "")); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestWebhookMalformedBody(t *testing.T) {
	f := newFixture(t)
	body := `{"events": [`

	if w := f.do(webhookRequest(body, sign(testSecret, body))); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestWebhookUnfollowClearsSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.AddSubscription(ctx, "U1", "a")
	_ = f.store.AddSubscription(ctx, "U1", "b")

	body := eventBatch(t, map[string]interface{}{
		"type":      "unfollow",
		"timestamp": 1462629479859,
		"mode":      "active",
		"source":    map[string]interface{}{"type": "user", "userId": "U1"},
	})
	w := f.do(webhookRequest(body, sign(testSecret, body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	tokens, _ := f.store.ListTokensForChat(ctx, "U1")
	if len(tokens) != 0 {
		t.Errorf("tokens left: %v", tokens)
	}
}

func TestWebhookPersistenceFailureStillAnswersOK(t *testing.T) {
	f := newFixture(t)
	f.store.Close()
	body := eventBatch(t, textEvent("r1", "U1", "@on ktx"))

	w := f.do(webhookRequest(body, sign(testSecret, body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	want := []sentReply{{"r1", webhook.ErrorReply}}
	if !reflect.DeepEqual(f.messenger.replies, want) {
		t.Errorf("replies = %+v", f.messenger.replies)
	}
}

func notiRequest(path, body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
}

func TestNotiDeliversToSubscribersOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.AddSubscription(ctx, "C1", "ktx")
	_ = f.store.AddSubscription(ctx, "U1", "ktx")
	_ = f.store.AddSubscription(ctx, "U2", "srt")

	w := f.do(notiRequest("/noti/ktx", `{"text":"hello"}`))

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("response = %d %q", w.Code, w.Body.String())
	}
	if len(f.messenger.broadcasts) != 1 {
		t.Fatalf("broadcasts = %+v", f.messenger.broadcasts)
	}
	got := f.messenger.broadcasts[0]
	if got.Text != "(ktx) hello" {
		t.Errorf("text = %q", got.Text)
	}
	if !reflect.DeepEqual(got.ChatIDs, []string{"C1", "U1"}) {
		t.Errorf("chat ids = %v", got.ChatIDs)
	}
}

func TestNotiAcceptsRawText(t *testing.T) {
	f := newFixture(t)
	_ = f.store.AddSubscription(context.Background(), "U1", "ktx")

	f.do(notiRequest("/noti/ktx", "train delayed\n"))

	if len(f.messenger.broadcasts) != 1 || f.messenger.broadcasts[0].Text != "(ktx) train delayed" {
		t.Errorf("broadcasts = %+v", f.messenger.broadcasts)
	}
}

func TestNotiWithoutTokenIsClientError(t *testing.T) {
	f := newFixture(t)
	_ = f.store.AddSubscription(context.Background(), "U1", "ktx")

	for _, path := range []string{"/noti/", "/noti"} {
		w := f.do(notiRequest(path, `{"text":"hello"}`))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", path, w.Code)
		}
	}
	if len(f.messenger.broadcasts) != 0 {
		t.Errorf("no delivery expected, got %+v", f.messenger.broadcasts)
	}
}

func TestNotiEmptyTextSkipsDelivery(t *testing.T) {
	f := newFixture(t)
	_ = f.store.AddSubscription(context.Background(), "U1", "ktx")

	for _, body := range []string{"", `{"text":""}`, `{"other":"field"}`} {
		w := f.do(notiRequest("/noti/ktx", body))
		if w.Code != http.StatusOK {
			t.Errorf("body %q: status = %d", body, w.Code)
		}
	}
	if len(f.messenger.broadcasts) != 0 {
		t.Errorf("no delivery expected, got %+v", f.messenger.broadcasts)
	}
}

func TestNotiLookupFailureStillAnswersOK(t *testing.T) {
	f := newFixture(t)
	f.store.Close()

	if w := f.do(notiRequest("/noti/ktx", `{"text":"hello"}`)); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(f.messenger.broadcasts) != 0 {
		t.Errorf("no delivery expected, got %+v", f.messenger.broadcasts)
	}
}

func TestUptime(t *testing.T) {
	f := newFixture(t)
	w := f.do(httptest.NewRequest(http.MethodGet, "/uptime", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Meta struct {
			Uptime string `json:"uptime"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Meta.Uptime == "" {
		t.Error("uptime missing")
	}
}

func TestNotificationText(t *testing.T) {
	cases := map[string]string{
		`{"text":"hi"}`:  "hi",
		`  {"text":"hi"}`: "hi",
		"plain words":     "plain words",
		`{"text": 5}`:     "5",
		`{"text": 2.5}`:   "2.5",
		`{"text": ["a"]}`: "",
		`{broken`:         "{broken",
		"":                "",
	}
	for body, want := range cases {
		if got := notificationText([]byte(body), zerolog.Nop()); got != want {
			t.Errorf("notificationText(%q) = %q, want %q", body, got, want)
		}
	}
}
