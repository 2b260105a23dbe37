package twitch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	conductor "github.com/sra/conductor"
)

func chatMessage(userName, userID, channel, text string) twitchirc.PrivateMessage {
	return twitchirc.PrivateMessage{
		ID:      "m1",
		Channel: channel,
		Message: text,
		User:    twitchirc.User{Name: userName, DisplayName: strings.ToUpper(userName[:1]) + userName[1:], ID: userID},
		Time:    time.Unix(1700000000, 0),
	}
}

func TestToInboundSkipsOwnMessages(t *testing.T) {
	a := New(Config{Username: "botacct"})
	if _, ok := a.toInbound(chatMessage("BotAcct", "99", "somechannel", "hi")); ok {
		t.Error("own messages should never be emitted")
	}
}

func TestToInboundAllowListAndPrefix(t *testing.T) {
	a := New(Config{Username: "bot"}, WithAllowedUsers("42"), WithTriggerPrefix("!ai "))

	if _, ok := a.toInbound(chatMessage("viewer", "7", "c", "!ai hello")); ok {
		t.Error("user outside allow-list should be dropped")
	}
	if _, ok := a.toInbound(chatMessage("viewer", "42", "c", "hello")); ok {
		t.Error("message without trigger prefix should be dropped")
	}

	msg, ok := a.toInbound(chatMessage("viewer", "42", "c", "!ai hello"))
	if !ok {
		t.Fatal("allowed prefixed message dropped")
	}
	if msg.Content.Text != "hello" {
		t.Errorf("prefix not stripped: %q", msg.Content.Text)
	}
	if msg.ConversationID != "twitch:c" {
		t.Errorf("conversation id = %q", msg.ConversationID)
	}
}

func TestDeliverCollapsesStreamingToFinalMessage(t *testing.T) {
	a := New(Config{Username: "bot"})
	var sent []string
	a.say = func(channel, text string) { sent = append(sent, text) }

	for _, resp := range []conductor.OutboundResponse{
		{Kind: conductor.KindStreamStart},
		{Kind: conductor.KindStreamChunk, Text: "partial"},
		{Kind: conductor.KindStreamChunk, Text: "partial answer"},
		{Kind: conductor.KindStreamEnd, Text: "the full answer"},
	} {
		if err := a.deliver("chan", resp); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	if len(sent) != 1 || sent[0] != "the full answer" {
		t.Errorf("sent = %v, want only the final message", sent)
	}
}

func TestDeliverSplitsLongMessages(t *testing.T) {
	a := New(Config{Username: "bot"})
	var sent []string
	a.say = func(channel, text string) { sent = append(sent, text) }

	long := strings.Repeat("word ", 300) // 1500 chars
	if err := a.deliver("chan", conductor.TextResponse(long)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(sent) < 3 {
		t.Errorf("long message sent as %d chunks, want >= 3", len(sent))
	}
	for _, c := range sent {
		if len(c) > maxMessageLength {
			t.Errorf("chunk of %d chars exceeds the %d limit", len(c), maxMessageLength)
		}
	}
}

func TestDeliverDropsReactionsAndStatus(t *testing.T) {
	a := New(Config{Username: "bot"})
	var sent []string
	a.say = func(channel, text string) { sent = append(sent, text) }

	for _, resp := range []conductor.OutboundResponse{
		{Kind: conductor.KindReaction, Emoji: "+1"},
		{Kind: conductor.KindRemoveReaction, Emoji: "+1"},
		{Kind: conductor.KindStatus},
	} {
		if err := a.deliver("chan", resp); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if len(sent) != 0 {
		t.Errorf("sent = %v, want nothing for reactions/status", sent)
	}
}

func TestTokenRoundTripAndPermissions(t *testing.T) {
	dir := t.TempDir()
	path := tokenPath(dir, "")
	want := Token{AccessToken: "acc", RefreshToken: "ref", CreatedAt: 100, ExpiresAt: 200}

	if err := saveToken(path, want); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	got, err := loadToken(path)
	if err != nil {
		t.Fatalf("loadToken: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("token file mode = %o, want 0600", perm)
		}
	}
}

func TestTokenPathPerInstance(t *testing.T) {
	if got := tokenPath("/data", ""); got != filepath.Join("/data", "twitch_token.json") {
		t.Errorf("default path = %q", got)
	}
	if got := tokenPath("/data", "alt"); got != filepath.Join("/data", "twitch_token_alt.json") {
		t.Errorf("named path = %q", got)
	}
}

func TestEnsureTokenRefreshesExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "old-refresh" {
			t.Errorf("unexpected refresh form: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := tokenPath(dir, "")
	expired := Token{AccessToken: "old-access", RefreshToken: "old-refresh", CreatedAt: 1, ExpiresAt: 2}
	if err := saveToken(path, expired); err != nil {
		t.Fatal(err)
	}

	a := New(Config{Username: "bot", TokenDir: dir, ClientID: "cid", ClientSecret: "sec"}, withOAuthURL(srv.URL))
	token, err := a.ensureToken(context.Background())
	if err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if token.AccessToken != "new-access" || token.RefreshToken != "new-refresh" {
		t.Errorf("refreshed token = %+v", token)
	}

	persisted, err := loadToken(path)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.AccessToken != "new-access" {
		t.Errorf("refreshed token not persisted: %+v", persisted)
	}
}

func TestEnsureTokenKeepsValidToken(t *testing.T) {
	dir := t.TempDir()
	path := tokenPath(dir, "")
	valid := Token{AccessToken: "acc", RefreshToken: "ref", CreatedAt: 1, ExpiresAt: time.Now().Add(time.Hour).Unix()}
	if err := saveToken(path, valid); err != nil {
		t.Fatal(err)
	}

	a := New(Config{Username: "bot", TokenDir: dir})
	token, err := a.ensureToken(context.Background())
	if err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if token.AccessToken != "acc" {
		t.Errorf("valid token should be returned unchanged, got %+v", token)
	}
}
