package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	cfg := &Config{
		Enabled:        true,
		DiscordWebhook: "https://discord.com/api/webhooks/test",
		TelegramToken:  "bot_token",
		TelegramChatID: "chat_id",
	}

	n := New(cfg)

	if n == nil {
		t.Fatal("New returned nil")
	}
	if n.cfg != cfg {
		t.Error("Notifier.cfg not set correctly")
	}
	if n.client == nil {
		t.Fatal("Notifier.client should not be nil")
	}
	if n.client.Timeout != 10*time.Second {
		t.Errorf("Client timeout = %v, want 10s", n.client.Timeout)
	}
}

func TestConfigStruct(t *testing.T) {
	cfg := Config{
		Enabled:        true,
		DiscordWebhook: "https://discord.com/api/webhooks/123/abc",
		TelegramToken:  "123456:ABC",
		TelegramChatID: "-100123456",
	}

	if cfg.DiscordWebhook != "https://discord.com/api/webhooks/123/abc" {
		t.Errorf("DiscordWebhook = %s, want webhook URL", cfg.DiscordWebhook)
	}
	if cfg.TelegramToken != "123456:ABC" {
		t.Errorf("TelegramToken = %s, want 123456:ABC", cfg.TelegramToken)
	}
	if !cfg.Enabled {
		t.Error("Enabled should be true")
	}
}

func TestOfflineDiscordMessage(t *testing.T) {
	msg := offlineDiscordMessage("viabtc", "acct.worker001", 7)
	if len(msg.Embeds) != 1 {
		t.Fatalf("Embeds len = %d, want 1", len(msg.Embeds))
	}
	embed := msg.Embeds[0]
	if embed.Title != "Worker went offline" {
		t.Errorf("Title = %q, want 'Worker went offline'", embed.Title)
	}
	if len(embed.Fields) != 2 {
		t.Fatalf("Fields len = %d, want 2", len(embed.Fields))
	}
	if embed.Fields[0].Value != "7" {
		t.Errorf("Fields[0].Value = %q, want miner id 7", embed.Fields[0].Value)
	}
	if embed.Fields[1].Value != "viabtc" {
		t.Errorf("Fields[1].Value = %q, want pool viabtc", embed.Fields[1].Value)
	}
}

func TestDegradedDiscordMessage(t *testing.T) {
	msg := degradedDiscordMessage("binance")
	if len(msg.Embeds) != 1 || msg.Embeds[0].Title != "Pool adapter degraded" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestOfflineTelegramText(t *testing.T) {
	text := offlineTelegramText("viabtc", "acct.worker001", 7)
	if text == "" {
		t.Fatal("offlineTelegramText returned empty string")
	}
}

func TestDegradedTelegramText(t *testing.T) {
	text := degradedTelegramText("binance")
	if text == "" {
		t.Fatal("degradedTelegramText returned empty string")
	}
}

func TestTelegramMessageStruct(t *testing.T) {
	msg := TelegramMessage{
		ChatID:    "-100123456",
		Text:      "hello",
		ParseMode: "Markdown",
	}
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded TelegramMessage
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded != msg {
		t.Errorf("round-tripped message = %+v, want %+v", decoded, msg)
	}
}

func TestNotifyOfflineDisabled(t *testing.T) {
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(&Config{Enabled: false, DiscordWebhook: srv.URL})
	n.NotifyOffline("viabtc", "acct.worker001", 7)
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&called) != 0 {
		t.Error("disabled notifier fired a webhook call")
	}
}

func TestNotifyAdapterDegradedDisabled(t *testing.T) {
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
	}))
	defer srv.Close()

	n := New(&Config{Enabled: false, DiscordWebhook: srv.URL})
	n.NotifyAdapterDegraded("binance")
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&called) != 0 {
		t.Error("disabled notifier fired a webhook call")
	}
}

func TestDiscordWebhookIntegration(t *testing.T) {
	done := make(chan DiscordMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg DiscordMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		done <- msg
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(&Config{Enabled: true, DiscordWebhook: srv.URL})
	n.NotifyOffline("viabtc", "acct.worker001", 7)

	select {
	case msg := <-done:
		if len(msg.Embeds) != 1 || msg.Embeds[0].Title != "Worker went offline" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook call")
	}
}

func TestDiscordAdapterDegradedIntegration(t *testing.T) {
	done := make(chan DiscordMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg DiscordMessage
		json.NewDecoder(r.Body).Decode(&msg)
		done <- msg
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(&Config{Enabled: true, DiscordWebhook: srv.URL})
	n.NotifyAdapterDegraded("f2pool")

	select {
	case msg := <-done:
		if len(msg.Embeds) != 1 || msg.Embeds[0].Title != "Pool adapter degraded" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook call")
	}
}

func TestDiscordRetryOnFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(&Config{Enabled: true, DiscordWebhook: srv.URL})
	n.sendDiscordMessageWithRetry(degradedDiscordMessage("viabtc"))

	if atomic.LoadInt32(&attempts) < 2 {
		t.Errorf("attempts = %d, want at least 2 (one failure then a retry)", attempts)
	}
}

func TestDiscordGivesUpAfterMaxRetries(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(&Config{Enabled: true, DiscordWebhook: srv.URL})
	n.sendDiscordMessageWithRetry(degradedDiscordMessage("viabtc"))

	if atomic.LoadInt32(&attempts) != MaxRetries {
		t.Errorf("attempts = %d, want exactly %d", attempts, MaxRetries)
	}
}

func TestConstants(t *testing.T) {
	if MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", MaxRetries)
	}
	if RetryBaseDelay != 2*time.Second {
		t.Errorf("RetryBaseDelay = %v, want 2s", RetryBaseDelay)
	}
}
