package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ripplechat/ripple/internal/assistant"
	"github.com/ripplechat/ripple/internal/blob"
	"github.com/ripplechat/ripple/internal/chat"
	"github.com/ripplechat/ripple/internal/kv"
	"github.com/ripplechat/ripple/internal/store"
)

type echoReplier struct{}

func (echoReplier) Reply(_ context.Context, prompt string) (string, error) {
	return "echo: " + prompt, nil
}

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	db, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	g := New(Options{
		SelfID:    "alice",
		Chat:      chat.NewClient(st),
		Blobs:     blobs,
		KV:        db,
		Assistant: assistant.New(db, echoReplier{}),
	})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return g, srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestChatSendWritesMessageAndSummaries(t *testing.T) {
	_, srv, st := newTestGateway(t)

	resp := postJSON(t, srv.URL+"/api/chat/send", map[string]string{
		"to": "bob", "content": "hello", "kind": "text",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["conversation_id"] != "alice_bob" || out["id"] == "" {
		t.Fatalf("reply %v", out)
	}

	var msgs map[string]chat.Message
	ok, err := st.Get(context.Background(), "chats/alice_bob/messages", &msgs)
	if err != nil || !ok || len(msgs) != 1 {
		t.Fatalf("store state ok=%v err=%v msgs=%v", ok, err, msgs)
	}
	var summary map[string]any
	if ok, _ = st.Get(context.Background(), "users/bob/chats/alice", &summary); !ok {
		t.Fatal("recipient summary missing")
	}
	if summary["lastMessage"] != "hello" {
		t.Fatalf("summary %v", summary)
	}
}

func TestChatStreamReplaysAndFollows(t *testing.T) {
	_, srv, st := newTestGateway(t)
	client := chat.NewClient(st)

	pre := chat.NewMessage("bob", "early", chat.KindText)
	if err := client.Publish(context.Background(), "alice_bob", &pre); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/stream?conv=alice_bob"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var first wsDelta
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "added" || first.Message == nil || first.Message.Content != "early" {
		t.Fatalf("replay delta %+v", first)
	}

	live := chat.NewMessage("bob", "late", chat.KindText)
	if err := client.Publish(context.Background(), "alice_bob", &live); err != nil {
		t.Fatal(err)
	}
	for {
		var d wsDelta
		if err := conn.ReadJSON(&d); err != nil {
			t.Fatal(err)
		}
		// Skip the id backfill update on the first message.
		if d.Type == "added" && d.Message != nil && d.Message.Content == "late" {
			return
		}
	}
}

func TestMediaUploadAndServe(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("conversation_id", "alice_bob")
	fw, err := mw.CreateFormFile("file", "pic.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("pngbytes"))
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/media/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out["url"], "/media/chat-media/alice_bob/") {
		t.Fatalf("url %q", out["url"])
	}

	got, err := http.Get(srv.URL + out["url"])
	if err != nil {
		t.Fatal(err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("serve status %d", got.StatusCode)
	}
	var body bytes.Buffer
	body.ReadFrom(got.Body)
	if body.String() != "pngbytes" {
		t.Fatalf("served %q", body.String())
	}
}

func TestProfileRoundTrip(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	put, err := http.NewRequest(http.MethodPut, srv.URL+"/api/profile",
		strings.NewReader(`{"display_name":"Alice","bio":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(put)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status %d", resp.StatusCode)
	}

	got, err := http.Get(srv.URL + "/api/profile")
	if err != nil {
		t.Fatal(err)
	}
	defer got.Body.Close()
	var p Profile
	if err := json.NewDecoder(got.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "alice" || p.DisplayName != "Alice" {
		t.Fatalf("profile %+v", p)
	}
}

func TestAssistantRoutes(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	resp := postJSON(t, srv.URL+"/api/assistant/send", map[string]string{"content": "ping"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status %d", resp.StatusCode)
	}
	var out map[string]chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["reply"].Content != "echo: ping" || out["reply"].Sender != assistant.PeerID {
		t.Fatalf("reply %+v", out["reply"])
	}

	hist, err := http.Get(srv.URL + "/api/assistant/history")
	if err != nil {
		t.Fatal(err)
	}
	defer hist.Body.Close()
	var msgs []chat.Message
	if err := json.NewDecoder(hist.Body).Decode(&msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("history %v", msgs)
	}
}

func TestCallModeDisabledWithoutCoordinator(t *testing.T) {
	_, srv, _ := newTestGateway(t)
	resp, err := http.Get(srv.URL + "/api/call/mode")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["mode"] != "disabled" {
		t.Fatalf("mode %q", out["mode"])
	}
	if resp, err := http.Post(srv.URL+"/api/call/start", "application/json", strings.NewReader("{}")); err == nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("unregistered route status %d", resp.StatusCode)
		}
	}
}

func TestRateLimitKicksIn(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	g.SetRateLimit(1, 2)

	var limited bool
	for i := 0; i < 10; i++ {
		resp := postJSON(t, srv.URL+"/api/chat/typing", map[string]any{
			"conversation_id": "alice_bob", "typing": true,
		})
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("rate limit never triggered")
	}
}

func TestEventHubReplay(t *testing.T) {
	h := newEventHub(8)
	h.publish(CallEvent{Type: "incoming", From: "bob"})
	h.publish(CallEvent{Type: "state", State: "offering"})

	req := httptest.NewRequest(http.MethodGet, "/api/call/events", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	h.serveSSE(rec, req.WithContext(ctx))

	body := rec.Body.String()
	if !strings.Contains(body, `"from":"bob"`) || !strings.Contains(body, `"state":"offering"`) {
		t.Fatalf("replay body %q", body)
	}
	if !strings.Contains(body, "id: 1\n") || !strings.Contains(body, "id: 2\n") {
		t.Fatalf("missing sequence ids in %q", body)
	}
}
