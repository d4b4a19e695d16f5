package util

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestJWT_RoundTrip(t *testing.T) {
	tok, err := GenerateJWT("U1", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT() err=%v", err)
	}

	got, err := ParseJWT(tok, "secret")
	if err != nil || got != "U1" {
		t.Fatalf("ParseJWT()=%q err=%v, want U1", got, err)
	}
	if _, err := ParseJWT(tok, "other"); err == nil {
		t.Fatalf("ParseJWT() with wrong secret succeeded")
	}

	sub, err := SubjectUnverified(tok)
	if err != nil || sub != "U1" {
		t.Fatalf("SubjectUnverified()=%q err=%v", sub, err)
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer abc")
	if got := ExtractToken(r); got != "abc" {
		t.Fatalf("ExtractToken()=%q, want abc", got)
	}
	r.Header.Set("Authorization", "Basic abc")
	if got := ExtractToken(r); got != "" {
		t.Fatalf("ExtractToken()=%q, want empty", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("read: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"ws normal close from server", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"ws going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"ws try again later", &websocket.CloseError{Code: websocket.CloseTryAgainLater}, true},
		{"ws policy violation", &websocket.CloseError{Code: websocket.ClosePolicyViolation}, false},
		{"ws abnormal close", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, true},
		{"bad handshake", websocket.ErrBadHandshake, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"unknown", errors.New("something odd"), false},
	}
	for _, tc := range cases {
		got, _ := IsRetryableError(tc.err)
		if got != tc.want {
			t.Errorf("%s: IsRetryableError()=%v, want %v", tc.name, got, tc.want)
		}
	}
}
