package main

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSendsTokenAndSurfacesErrors(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"permission denied"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()
	t.Setenv("ACCESSCTL_API", srv.URL+"/")
	t.Setenv("ACCESSCTL_TOKEN", "tok")

	out, err := call("GET", "/ok", url.Values{"limit": {"5"}}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "limit=5", gotQuery)

	_, err = call("POST", "/fail", nil, map[string]string{"doorId": "d1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Contains(t, err.Error(), "403")
}

func TestCallWithoutTokenFails(t *testing.T) {
	t.Setenv("ACCESSCTL_TOKEN", "")
	t.Setenv("HOME", t.TempDir())
	_, err := call("GET", "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not logged in"))
}

func TestFilterFlagsSkipsEmptyValues(t *testing.T) {
	fs := pflag.NewFlagSet("t", pflag.ContinueOnError)
	query := filterFlags(fs, true)
	require.NoError(t, fs.Parse([]string{"--door", "front", "--result", "DENIED"}))
	q := query()
	assert.Equal(t, "front", q.Get("doorId"))
	assert.Equal(t, "DENIED", q.Get("result"))
	assert.Len(t, q, 2)
}

func TestTokenRoundTripsThroughFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ACCESSCTL_TOKEN", "")
	require.NoError(t, saveToken("abc"))
	assert.Equal(t, "abc", loadToken())
}
