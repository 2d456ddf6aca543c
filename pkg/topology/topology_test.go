package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePassesWhenEveryEmitIsSubscribed(t *testing.T) {
	g := New()
	g.DeclareEmit("research.started", "route:POST /research")
	g.DeclareSubscribe("research.started", "event:notify.go")

	assert.NoError(t, g.Validate())
}

func TestValidateFailsOnOrphanEmit(t *testing.T) {
	g := New()
	g.DeclareEmit("research.started", "route:POST /research")

	err := g.Validate()
	require.Error(t, err)

	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Contains(t, ve.OrphanTopics, "research.started")
}

func TestValidateExcludesSystemTopics(t *testing.T) {
	g := New()
	g.DeclareEmit("SYS::SHUTDOWN", "server")

	assert.NoError(t, g.Validate())
}

func TestDOTRendersNodesAndEdges(t *testing.T) {
	g := New()
	g.DeclareEmit("a.topic", "route:GET /a")
	g.DeclareSubscribe("a.topic", "event:handler.go")

	dot := g.DOT()
	assert.Contains(t, dot, "digraph topology")
	assert.Contains(t, dot, `"route:GET /a" -> "a.topic"`)
	assert.Contains(t, dot, `"a.topic" -> "event:handler.go"`)
}
