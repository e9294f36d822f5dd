package proxy

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_Match(t *testing.T) {
	r, err := NewRouter([]Upstream{
		{Name: "web", Prefix: "/", Target: "http://localhost:4000"},
		{Name: "api", Prefix: "/api", Target: "http://localhost:8081"},
		{Name: "admin", Host: "Admin.Local", Target: "http://localhost:9000"},
	})
	require.NoError(t, err)

	cases := map[string]string{
		"http://example.com/api/users": "api",
		"http://example.com/index":     "web",
		"http://admin.local:8080/api":  "admin",
	}
	for url, want := range cases {
		got := r.Match(httptest.NewRequest("GET", url, nil))
		require.NotNil(t, got, url)
		assert.Equal(t, want, got.Name, url)
	}
}

func TestRouter_RejectsRelativeTarget(t *testing.T) {
	_, err := NewRouter([]Upstream{{Name: "bad", Target: "localhost:8080"}})
	assert.Error(t, err)
}

func TestDirector_StripPrefixAndBasePath(t *testing.T) {
	r, err := NewRouter([]Upstream{{Name: "api", Prefix: "/api", Target: "http://backend:8081/v2", StripPrefix: true}})
	require.NoError(t, err)
	up := r.Match(httptest.NewRequest("GET", "http://front.test/api/users?id=1", nil))
	require.NotNil(t, up)

	req := httptest.NewRequest("GET", "http://front.test/api/users?id=1", nil)
	Director(up)(req)
	assert.Equal(t, "http://backend:8081/v2/users?id=1", req.URL.String())
	assert.Equal(t, "backend:8081", req.Host)
	assert.Equal(t, "front.test", req.Header.Get("X-Forwarded-Host"))
}
