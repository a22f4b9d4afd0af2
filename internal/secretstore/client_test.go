package secretstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewValidatesBaseURL(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"no scheme":    "secretstore:8087",
		"bad scheme":   "ftp://secretstore",
		"user info":    "http://admin:pw@secretstore",
		"only spaces":  "   ",
		"missing host": "http://",
	}
	for name, baseURL := range cases {
		if _, err := New(Config{BaseURL: baseURL}); err == nil {
			t.Errorf("%s: expected error for %q", name, baseURL)
		}
	}

	if _, err := New(Config{BaseURL: "https://secretstore:8087/"}); err != nil {
		t.Fatalf("valid base URL rejected: %v", err)
	}
}

func TestResolveReturnsSecretValue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secrets/db-password" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"db-password","value":"hunter2"}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	value, err := client.Resolve(context.Background(), "secret://db-password")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if value != "hunter2" {
		t.Fatalf("value = %q, want hunter2", value)
	}
}

func TestResolveRejectsNonReferences(t *testing.T) {
	client, err := New(Config{BaseURL: "http://localhost:1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := client.Resolve(context.Background(), "plaintext"); err == nil {
		t.Fatal("expected error for a non-reference value")
	}
	if _, err := client.Resolve(context.Background(), "secret://"); err == nil {
		t.Fatal("expected error for an empty secret name")
	}
}

func TestResolveUnavailableStatuses(t *testing.T) {
	for _, status := range []int{
		http.StatusNotFound,
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
	} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		client, err := New(Config{BaseURL: server.URL})
		if err != nil {
			t.Fatalf("new: %v", err)
		}

		_, err = client.Resolve(context.Background(), "secret://db-password")
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("status %d: expected ErrUnavailable, got %v", status, err)
		}
		server.Close()
	}
}

func TestResolvePermanentFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, err = client.Resolve(context.Background(), "secret://db-password")
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected a permanent failure, got %v", err)
	}
}

func TestResolveConnectionFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	server.Close()

	_, err = client.Resolve(context.Background(), "secret://db-password")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestResolveFieldInPlace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"api-key","value":"resolved"}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	field := "secret://api-key"
	if err := ResolveField(context.Background(), client, &field); err != nil {
		t.Fatalf("resolve field: %v", err)
	}
	if field != "resolved" {
		t.Fatalf("field = %q, want resolved", field)
	}

	plain := "not-a-reference"
	if err := ResolveField(context.Background(), client, &plain); err != nil {
		t.Fatalf("resolve field: %v", err)
	}
	if plain != "not-a-reference" {
		t.Fatalf("plain value was modified to %q", plain)
	}
}

func TestResolveFieldWithoutResolver(t *testing.T) {
	field := "secret://api-key"
	err := ResolveField(context.Background(), nil, &field)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	plain := "inline-value"
	if err := ResolveField(context.Background(), nil, &plain); err != nil {
		t.Fatalf("plain values need no resolver: %v", err)
	}
}
