package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"nexus/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDefaults(t *testing.T) {
	r := NewDefault()

	ep, err := r.Resolve(OpGenerateContent)
	require.NoError(t, err)
	assert.Equal(t, "POST", ep.Method)
	assert.Equal(t, "https://cloudcode-pa.googleapis.com/v1internal:generateContent", ep.URL())

	ep, err = r.Resolve(OpStreamGenerateContent)
	require.NoError(t, err)
	assert.Equal(t, "https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse", ep.URL())

	ep, err = r.Resolve(OpOAuthToken)
	require.NoError(t, err)
	assert.Equal(t, "https://oauth2.googleapis.com/token", ep.URL())
}

// Onboarding lives on the internal API version only. A regression here sends
// onboarding calls to a surface that does not serve them.
func TestOnboardUserUsesInternalVersion(t *testing.T) {
	ep, err := NewDefault().Resolve(OpOnboardUser)
	require.NoError(t, err)
	assert.Equal(t, "https://cloudcode-pa.googleapis.com/v1internal:onboardUser", ep.URL())
	assert.NotContains(t, ep.URL(), "/v1:")
}

func TestResolveUnknown(t *testing.T) {
	_, err := NewDefault().Resolve(Operation("deleteEverything"))
	assert.True(t, errors.Is(err, ErrUnknownOperation))
}

func TestFileOverride(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "endpoints.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
endpoints:
  - operation: onboardUser
    baseURL: https://daily-cloudcode-pa.sandbox.googleapis.com
  - operation: loadCodeAssist
    baseURL: https://daily-cloudcode-pa.sandbox.googleapis.com
`), 0o600))

	r, err := New(config.Config{EndpointsFile: file})
	require.NoError(t, err)

	ep, err := r.Resolve(OpOnboardUser)
	require.NoError(t, err)
	assert.Equal(t, "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:onboardUser", ep.URL())

	// Operations the file does not name keep their defaults.
	ep, err = r.Resolve(OpGenerateContent)
	require.NoError(t, err)
	assert.Equal(t, "https://cloudcode-pa.googleapis.com/v1internal:generateContent", ep.URL())
}

func TestFileOverrideRejectsUnknownOperation(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "endpoints.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
endpoints:
  - operation: nope
    baseURL: https://example.com
`), 0o600))

	_, err := New(config.Config{EndpointsFile: file})
	assert.True(t, errors.Is(err, ErrUnknownOperation))
}

func TestOperationsListsEveryEndpoint(t *testing.T) {
	ops := NewDefault().Operations()
	assert.ElementsMatch(t, []Operation{
		OpLoadCodeAssist, OpOnboardUser, OpGenerateContent,
		OpStreamGenerateContent, OpCountTokens, OpOAuthToken,
	}, ops)
}
