package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "lifeguard/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestTokenGuardsProfiles(t *testing.T) {
	t.Parallel()

	h := New(Config{Token: "s3cret"}, logx.Nop()).Handler()
	get := func(path string, header ...string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if len(header) == 2 {
			req.Header.Set(header[0], header[1])
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusUnauthorized, get("/debug/pprof/"))
	assert.Equal(t, http.StatusUnauthorized, get("/debug/pprof/?token=nope"))
	assert.Equal(t, http.StatusOK, get("/debug/pprof/?token=s3cret"))
	assert.Equal(t, http.StatusOK, get("/debug/pprof/cmdline", "Authorization", "Bearer s3cret"))
}

func TestRunRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	err := New(Config{Addr: "0.0.0.0:0"}, logx.Nop()).Run(context.Background())
	require.ErrorIs(t, err, ErrInsecureBind)
}
