package remoteclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Soundfleet/soundfleet-player/internal/resilience"
)

func TestClient_SignsRequestsWithDeviceClaim(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, DeviceID: "dev-42", APIKey: "secret"}, zerolog.Nop())

	var out struct {
		OK bool `json:"ok"`
	}
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/ping"}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)

	require.NotEmpty(t, gotAuth)
	token, err := jwt.Parse(gotAuth, func(*jwt.Token) (any, error) { return []byte("secret"), nil })
	require.NoError(t, err)
	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "dev-42", claims["device"])
}

func TestClient_HTTPErrorStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, DeviceID: "dev-1", APIKey: "secret"}, zerolog.Nop())
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/fail"}, nil)
	require.Error(t, err)
}

func TestClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL:             srv.URL,
		DeviceID:            "dev-1",
		APIKey:              "secret",
		CircuitThreshold:    2,
		CircuitMinAttempts:  2,
	}, zerolog.Nop())

	require.Error(t, c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/fail"}, nil))
	require.Error(t, c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/fail"}, nil))

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/fail"}, nil)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
}
