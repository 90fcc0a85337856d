package policy

import (
	"context"
	"testing"

	"nexus/pkg/logger"
	"nexus/pkg/problems"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModule = `
package nexus

default decide = {"status": "BLOCKED", "reasons": ["model_not_allowed"]}

decide = {"status": "ALLOW"} {
	input.model == "gemini-2.5-flash"
}

decide = {"status": "ALLOW"} {
	input.tenant == "trusted"
}
`

func TestOpenGateAllows(t *testing.T) {
	g := &Gate{log: logger.Nop()}
	assert.NoError(t, g.Check(context.Background(), "any", "any-model", "generateContent"))
}

func TestModuleDecides(t *testing.T) {
	g, err := NewFromModule(context.Background(), logger.Nop(), testModule)
	require.NoError(t, err)

	assert.NoError(t, g.Check(context.Background(), "default", "gemini-2.5-flash", "generateContent"))
	assert.NoError(t, g.Check(context.Background(), "trusted", "gemini-2.5-pro", "generateContent"))

	err = g.Check(context.Background(), "default", "gemini-2.5-pro", "generateContent")
	require.Error(t, err)
	assert.Equal(t, problems.KindPolicyBlocked, problems.KindOf(err))
	assert.Contains(t, err.Error(), "model_not_allowed")
}

func TestBadModuleFailsClosed(t *testing.T) {
	_, err := NewFromModule(context.Background(), logger.Nop(), "package nexus\n\ndecide {")
	assert.Error(t, err)
}
