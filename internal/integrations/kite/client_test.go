package kite

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExchangeSessionSendsChecksum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("X-Kite-Version"); got != "3" {
			t.Errorf("X-Kite-Version = %q, want 3", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		sum := sha256.Sum256([]byte("key" + "req-token" + "secret"))
		if got := r.Form.Get("checksum"); got != hex.EncodeToString(sum[:]) {
			t.Errorf("checksum = %q, want sha256(key+token+secret)", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data": map[string]string{
				"user_id":      "AB1234",
				"access_token": "tok-xyz",
			},
		})
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURL(srv.URL))
	data, err := c.ExchangeSession(context.Background(), "req-token", "secret")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if data.AccessToken != "tok-xyz" {
		t.Fatalf("access token = %q", data.AccessToken)
	}
}

func TestAuthorizationHeaderCarriesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token key:tok-xyz" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data":   map[string]string{"user_id": "AB1234"},
		})
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURL(srv.URL))
	c.SetAccessToken("tok-xyz")
	if _, err := c.Profile(context.Background()); err != nil {
		t.Fatalf("profile: %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		errorType string
		want      ErrorKind
	}{
		{"token exception", http.StatusForbidden, "TokenException", KindTokenExpired},
		{"user exception", http.StatusForbidden, "UserException", KindAuth},
		{"permission exception", http.StatusForbidden, "PermissionException", KindAuth},
		{"bare 403", http.StatusForbidden, "InputException", KindAuth},
		{"input exception 400", http.StatusBadRequest, "InputException", KindOther},
		{"server error", http.StatusInternalServerError, "GeneralException", KindOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"status":     "error",
					"message":    "nope",
					"error_type": tc.errorType,
				})
			}))
			defer srv.Close()

			c := NewClient("key", WithBaseURL(srv.URL))
			_, err := c.Holdings(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tc.want {
				t.Fatalf("kind = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(context.DeadlineExceeded); got != KindOther {
		t.Fatalf("kind = %q, want %q", got, KindOther)
	}
}

func TestParseTicks(t *testing.T) {
	// Two ltp packets: token 408065 @ 2512.35, token 738561 @ 102.00.
	frame := make([]byte, 0, 22)
	frame = binary.BigEndian.AppendUint16(frame, 2)
	frame = binary.BigEndian.AppendUint16(frame, 8)
	frame = binary.BigEndian.AppendUint32(frame, 408065)
	frame = binary.BigEndian.AppendUint32(frame, 251235)
	frame = binary.BigEndian.AppendUint16(frame, 8)
	frame = binary.BigEndian.AppendUint32(frame, 738561)
	frame = binary.BigEndian.AppendUint32(frame, 10200)

	ticks := parseTicks(frame)
	if len(ticks) != 2 {
		t.Fatalf("got %d ticks, want 2", len(ticks))
	}
	if ticks[0].InstrumentToken != 408065 || ticks[0].LastPrice != 2512.35 {
		t.Fatalf("tick[0] = %+v", ticks[0])
	}
	if ticks[1].InstrumentToken != 738561 || ticks[1].LastPrice != 102.00 {
		t.Fatalf("tick[1] = %+v", ticks[1])
	}
}

func TestParseTicksTruncatedFrame(t *testing.T) {
	frame := make([]byte, 0, 8)
	frame = binary.BigEndian.AppendUint16(frame, 3)
	frame = binary.BigEndian.AppendUint16(frame, 8)
	frame = binary.BigEndian.AppendUint32(frame, 408065)
	// Frame claims three packets but carries half of one.
	if got := parseTicks(frame); len(got) != 0 {
		t.Fatalf("got %d ticks from truncated frame, want 0", len(got))
	}
}
