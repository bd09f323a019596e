package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimenet/internal/auth"
	"chimenet/internal/presence"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStatesValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
states:
  - name: meeting
    behavior: meeting
  - name: lunch
    should_chime: false
`), 0o600))

	out, err := execute(t, "states", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "2 states OK")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
states:
  - name: nap
    behavior: snooze
`), 0o600))
	_, err = execute(t, "states", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown behavior")
}

func TestToken(t *testing.T) {
	t.Setenv("CHIMENET_CONFIG", "")
	t.Setenv("JWT_SECRET", "")
	_, err := execute(t, "token", "alice")
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "s3cret")
	out, err := execute(t, "token", "alice", "--ttl", "1m")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	assert.NotEmpty(t, token)

	var subject string
	h := auth.NewJWTMiddleware("s3cret", "chimenet").Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = auth.SubjectFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alice", subject)
}

func TestRing_RequiresArgs(t *testing.T) {
	_, err := execute(t, "ring", "bob")
	assert.Error(t, err)
}

func TestRing_DefaultWaitOutlastsChillGrinding(t *testing.T) {
	f := ringCmd.Flags().Lookup("wait")
	require.NotNil(t, f)
	assert.Equal(t, "15s", f.DefValue)
	assert.Greater(t, defaultRingWait, presence.ChillGrindingDelay)
}
