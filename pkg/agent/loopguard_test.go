package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouterGuard_AllowsUpToThreshold(t *testing.T) {
	guard := newRouterGuard(0)

	for i := 0; i < routerRepeatThreshold; i++ {
		assert.True(t, guard.Allow("list_mesh_tools"), "call %d should pass", i+1)
	}
	assert.False(t, guard.Allow("list_mesh_tools"), "call past the threshold should be skipped")
	assert.False(t, guard.Allow("list_mesh_tools"))
}

func TestRouterGuard_CountsPerName(t *testing.T) {
	guard := newRouterGuard(2)

	assert.True(t, guard.Allow("peek_file"))
	assert.True(t, guard.Allow("peek_file"))
	assert.False(t, guard.Allow("peek_file"))

	// A different tool has its own counter.
	assert.True(t, guard.Allow("explore_files"))
}

func TestSignatureGuard_TripsOnThirdIdenticalSignature(t *testing.T) {
	guard := newSignatureGuard(0)

	sig := `search_issues:{"query":"bug"}`
	assert.False(t, guard.Observe(sig))
	assert.False(t, guard.Observe(sig))
	assert.True(t, guard.Observe(sig))
}

func TestSignatureGuard_DifferentArgumentsResetStreak(t *testing.T) {
	guard := newSignatureGuard(0)

	assert.False(t, guard.Observe(`search_issues:{"query":"bug"}`))
	assert.False(t, guard.Observe(`search_issues:{"query":"bug"}`))
	assert.False(t, guard.Observe(`search_issues:{"query":"feature"}`), "new signature starts a fresh streak")
	assert.False(t, guard.Observe(`search_issues:{"query":"feature"}`))
	assert.True(t, guard.Observe(`search_issues:{"query":"feature"}`))
}

func TestToolCall_SignatureIsStableForEqualArguments(t *testing.T) {
	a := ToolCall{Name: "create_issue", Arguments: map[string]interface{}{"title": "x", "body": "y"}}
	b := ToolCall{Name: "create_issue", Arguments: map[string]interface{}{"body": "y", "title": "x"}}

	assert.Equal(t, a.Signature(), b.Signature(), "map ordering must not change the signature")

	c := ToolCall{Name: "create_issue", Arguments: map[string]interface{}{"title": "z"}}
	assert.NotEqual(t, a.Signature(), c.Signature())
}
