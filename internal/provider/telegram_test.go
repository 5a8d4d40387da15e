package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTelegramProviderSendSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("path = %s, want sendMessage", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":1700000000,"chat":{"id":1001,"type":"private"},"text":"hello"}}`))
	}))
	defer server.Close()

	p, err := NewTelegramProvider(TelegramConfig{Token: "123:abc", APIURL: server.URL})
	if err != nil {
		t.Fatalf("NewTelegramProvider() error = %v", err)
	}

	resp, err := p.Send(context.Background(), "1001", "hello")
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	if resp.MessageID != "42" {
		t.Fatalf("MessageID = %q, want 42", resp.MessageID)
	}
}

func TestTelegramProviderSendAPIError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer server.Close()

	p, err := NewTelegramProvider(TelegramConfig{Token: "123:abc", APIURL: server.URL})
	if err != nil {
		t.Fatalf("NewTelegramProvider() error = %v", err)
	}

	_, err = p.Send(context.Background(), "1001", "hello")
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if IsTransient(err) {
		t.Fatal("chat not found should not be transient")
	}
}

func TestNewTelegramProviderRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegramProvider(TelegramConfig{}); err == nil {
		t.Fatal("expected error for empty token")
	}
}
