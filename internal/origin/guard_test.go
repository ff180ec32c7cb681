package origin

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGuardNormalizesAllowList(t *testing.T) {
	t.Parallel()

	guard, err := NewGuard([]string{
		"HTTPS://App.Example.com:443/some/path",
		"http://localhost:5173",
		"  ",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"http://localhost:5173", "https://app.example.com"}, guard.Origins())
}

func TestNewGuardRejectsWildcardsAndEmptyLists(t *testing.T) {
	t.Parallel()

	_, err := NewGuard([]string{"*"})
	require.Error(t, err)

	_, err = NewGuard([]string{"null"})
	require.Error(t, err)

	_, err = NewGuard(nil)
	require.Error(t, err)

	_, err = NewGuard([]string{"ftp://files.example.com"})
	require.Error(t, err)
}

func TestAllowed(t *testing.T) {
	t.Parallel()

	guard, err := NewGuard([]string{"https://app.example.com", "http://localhost:8080"})
	require.NoError(t, err)

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "https://app.example.com", want: true},
		{origin: "https://APP.example.com:443", want: true},
		{origin: "http://localhost:8080", want: true},
		{origin: "http://app.example.com", want: false},
		{origin: "https://app.example.com.evil.test", want: false},
		{origin: "http://localhost:8081", want: false},
		{origin: "null", want: false},
		{origin: "", want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, guard.Allowed(tt.origin), "origin %q", tt.origin)
	}
}

func TestCheckWrapsSentinel(t *testing.T) {
	t.Parallel()

	guard, err := NewGuard([]string{"https://app.example.com"})
	require.NoError(t, err)

	require.NoError(t, guard.Check("https://app.example.com"))
	err = guard.Check("https://cdn.example.net")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUntrustedOrigin))
}

func TestCheckRequestUsesOriginHeader(t *testing.T) {
	t.Parallel()

	guard, err := NewGuard([]string{"https://app.example.com"})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/rte/abc/ws", nil)
	assert.False(t, guard.CheckRequest(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, guard.CheckRequest(req))

	var nilGuard *Guard
	assert.False(t, nilGuard.CheckRequest(req))
}
