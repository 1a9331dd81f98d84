package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "trusted proxy with X-Real-IP",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.0.0.5:4321",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			want:       "203.0.113.9",
		},
		{
			name:       "trusted proxy with forwarded chain takes first hop",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.0.0.5:4321",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.5"},
			want:       "203.0.113.9",
		},
		{
			name:       "untrusted peer keeps socket address",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "198.51.100.7:4321",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			want:       "198.51.100.7:4321",
		},
		{
			name:       "no trusted proxies configured",
			trusted:    nil,
			remoteAddr: "10.0.0.5:4321",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			want:       "10.0.0.5:4321",
		},
		{
			name:       "garbage header ignored",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.0.0.5:4321",
			headers:    map[string]string{"X-Real-IP": "not-an-ip"},
			want:       "10.0.0.5:4321",
		},
		{
			name:       "bare IP proxy entry treated as /32",
			trusted:    []string{"10.0.0.5"},
			remoteAddr: "10.0.0.5:4321",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			want:       "203.0.113.9",
		},
		{
			name:       "invalid proxy entry skipped",
			trusted:    []string{"nonsense", "10.0.0.0/8"},
			remoteAddr: "10.0.0.5:4321",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			want:       "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := ClientIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.RemoteAddr
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/imports", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.want {
				t.Errorf("RemoteAddr = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestLoggerPassesResponseThrough(t *testing.T) {
	handler := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"jobId":"x"}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/imports", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if rec.Body.String() != `{"jobId":"x"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestStatusRecorderDefaultsAndCounts(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

	if _, err := rec.Write([]byte("abcde")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	// A later WriteHeader must not override the implicit 200
	rec.WriteHeader(http.StatusInternalServerError)

	if rec.status != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.status, http.StatusOK)
	}
	if rec.written != 5 {
		t.Errorf("written = %d, want 5", rec.written)
	}
}
