package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nugget/switchboard/internal/config"
)

func TestStatic(t *testing.T) {
	tok, err := Static("abc").Token(context.Background())
	if err != nil || tok != "abc" {
		t.Errorf("Token() = %q, %v, want abc, nil", tok, err)
	}
	if _, err := Static("").Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("empty Token() error = %v, want ErrNoToken", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(config.CredentialConfig{}, nil); !errors.Is(err, config.ErrMissing) {
		t.Errorf("New(empty) error = %v, want ErrMissing", err)
	}

	p, err := New(config.CredentialConfig{Token: "static"}, nil)
	if err != nil {
		t.Fatalf("New(token) error = %v", err)
	}
	if _, ok := p.(Static); !ok {
		t.Errorf("New(token) = %T, want Static", p)
	}
}

// tokenServer issues a fresh token per request and records the form.
func tokenServer(t *testing.T, calls *atomic.Int32, gotResource *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("client_id") != "demo-client" {
			t.Errorf("client_id = %q", r.PostForm.Get("client_id"))
		}
		gotResource.Store(r.PostForm.Get("resource"))
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientCredentials_CachesToken(t *testing.T) {
	var calls atomic.Int32
	var resource atomic.Value
	srv := tokenServer(t, &calls, &resource)

	p := NewClientCredentials(config.CredentialConfig{
		TokenURL:     srv.URL + "/token",
		ClientID:     "demo-client",
		ClientSecret: "demo-secret",
		Resource:     "https://bridge.example.com/mcp/",
	}, srv.Client())

	for i := 0; i < 3; i++ {
		tok, err := p.Token(context.Background())
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok != "tok-1" {
			t.Errorf("Token() = %q, want tok-1", tok)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint calls = %d, want 1 (cached)", n)
	}
	if got, _ := resource.Load().(string); got != "https://bridge.example.com/mcp/" {
		t.Errorf("resource = %q", got)
	}
}

func TestClientCredentials_CancelledContext(t *testing.T) {
	p := NewClientCredentials(config.CredentialConfig{TokenURL: "http://127.0.0.1:1/token", ClientID: "x"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Token(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Token() error = %v, want context.Canceled", err)
	}
}

func TestBearerHeaders(t *testing.T) {
	h, err := BearerHeaders(context.Background(), Static("xyz"))
	if err != nil {
		t.Fatal(err)
	}
	if h["Authorization"] != "Bearer xyz" {
		t.Errorf("Authorization = %q, want %q", h["Authorization"], "Bearer xyz")
	}
}

func TestTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("Authorization")))
	}))
	defer srv.Close()

	hc := &http.Client{Transport: Transport(Static("bridge-token"), http.DefaultTransport)}
	resp, err := hc.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf [64]byte
	n, _ := resp.Body.Read(buf[:])
	if got := string(buf[:n]); got != "Bearer bridge-token" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer bridge-token")
	}
}
