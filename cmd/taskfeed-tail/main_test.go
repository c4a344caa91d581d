package main

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBuildStreamURL(t *testing.T) {
	got, err := buildStreamURL("http://127.0.0.1:8080", "user-1", "tok")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(got, "ws://127.0.0.1:8080/v1/owners/user-1/stream?") {
		t.Fatalf("unexpected URL: %s", got)
	}
	if !strings.Contains(got, "access_token=tok") {
		t.Fatalf("missing token: %s", got)
	}

	got, err = buildStreamURL("https://feed.example.com/api", "user 2", "tok")
	if err != nil {
		t.Fatalf("build https: %v", err)
	}
	if !strings.HasPrefix(got, "wss://feed.example.com/api/v1/owners/user%202/stream?") {
		t.Fatalf("unexpected URL: %s", got)
	}

	if _, err := buildStreamURL("ftp://example.com", "user-1", "tok"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 24); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := truncate("a very long task title that keeps going", 10); len(got) != 10 {
		t.Fatalf("got %q (len %d)", got, len(got))
	}

	// multi-byte titles must never be cut mid-rune
	got := truncate("запланировать встречу с командой", 10)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 10 {
		t.Fatalf("got %q (%d runes)", got, n)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("missing ellipsis: %q", got)
	}
}
