package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if !requestIDPattern.MatchString(id) {
		t.Errorf("generated id %q does not match the accepted pattern", id)
	}
	if id == GenerateRequestID() {
		t.Error("two generated ids are identical")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("got %q, want %q", got, "req-1")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("got %q, want empty for a bare context", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"mints when absent", "", false},
		{"propagates valid id", "upstream-id_01", true},
		{"replaces invalid id", "bad id with spaces", false},
		{"replaces header injection", "evil\r\nSet-Cookie: x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				r.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("no request id on the handler context")
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header %q does not match context id %q", got, seen)
			}
			if tt.keep && seen != tt.incoming {
				t.Errorf("got %q, want upstream id %q preserved", seen, tt.incoming)
			}
			if !tt.keep && seen == tt.incoming {
				t.Errorf("invalid upstream id %q was passed through", tt.incoming)
			}
		})
	}
}
