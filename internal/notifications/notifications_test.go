package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

func TestDiscordDisabled(t *testing.T) {
	var nilDiscord *Discord
	if nilDiscord.Enabled() {
		t.Error("nil Discord should not be enabled")
	}
	d := NewDiscord("", zerolog.Nop())
	if d.Enabled() {
		t.Error("Discord without webhook should not be enabled")
	}
	// Must not panic or block.
	d.NotifyTranscriptionFailure(context.Background(), "conn-1", "aws", "other", errors.New("boom"))
}

func TestDiscordNotifyTranscriptionFailure(t *testing.T) {
	received := make(chan discordMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var msg discordMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode body: %v", err)
		}
		received <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, zerolog.Nop())
	d.NotifyTranscriptionFailure(context.Background(), "conn-1", "aws", "internal_failure", errors.New("stream reset"))

	select {
	case msg := <-received:
		if len(msg.Embeds) != 1 {
			t.Fatalf("embeds = %d, want 1", len(msg.Embeds))
		}
		e := msg.Embeds[0]
		if e.Color != 0xFF0000 {
			t.Errorf("color = %#x, want red", e.Color)
		}
		if !strings.Contains(e.Description, "stream reset") {
			t.Errorf("description = %q, want error text", e.Description)
		}
		var sawConn bool
		for _, f := range e.Fields {
			if strings.Contains(f.Value, "conn-1") {
				sawConn = true
			}
		}
		if !sawConn {
			t.Errorf("fields = %+v, want connection id", e.Fields)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
}

func TestAPNsDisabledWithoutConfig(t *testing.T) {
	c, err := NewAPNsClient(APNsConfig{KeyID: "k"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAPNsClient: %v", err)
	}
	if c != nil {
		t.Fatal("expected nil client for incomplete config")
	}
	if err := c.SendChatNotification("token", ChatNotification{MessageID: "1"}); err != nil {
		t.Errorf("nil client send = %v, want nil", err)
	}
}

func TestAPNsBadKeyFile(t *testing.T) {
	_, err := NewAPNsClient(APNsConfig{
		KeyPath:  t.TempDir() + "/missing.p8",
		KeyID:    "k",
		TeamID:   "t",
		BundleID: "com.example.clinic",
	}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		runes int
	}{
		{"short", "olá", 3},
		{"exact", strings.Repeat("a", previewRunes), previewRunes},
		{"long", strings.Repeat("é", previewRunes*2), previewRunes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := preview(tt.in)
			if n := utf8.RuneCountInString(got); n != tt.runes {
				t.Errorf("rune count = %d, want %d", n, tt.runes)
			}
		})
	}
}

func TestChatPayload(t *testing.T) {
	p := chatPayload(ChatNotification{MessageID: "7", ClinicaID: "c1", RemetenteTipo: "medico", Conteudo: "oi"})
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(raw)
	for _, want := range []string{`"mensagem_id":"7"`, `"clinica_id":"c1"`, "Nova mensagem de medico", `"thread-id":"chat-c1"`} {
		if !strings.Contains(body, want) {
			t.Errorf("payload %s missing %s", body, want)
		}
	}
}
