package pipelinekit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupMiddlewaresPreservesPriorityWithoutOverride(t *testing.T) {
	a := passThroughMiddleware("a", PriorityAuthentication)
	b := passThroughMiddleware("b", PriorityValidation)
	group := NewGroup(a, b)

	mws := group.Middlewares()
	assert.Equal(t, PriorityAuthentication, mws[0].Priority())
	assert.Equal(t, PriorityValidation, mws[1].Priority())
}

func TestGroupMiddlewaresAppliesPriorityOverride(t *testing.T) {
	a := passThroughMiddleware("a", PriorityAuthentication)
	b := passThroughMiddleware("b", PriorityValidation)
	group := NewGroup(a, b).WithPriority(PriorityCustom)

	mws := group.Middlewares()
	for _, mw := range mws {
		assert.Equal(t, PriorityCustom, mw.Priority())
	}
	assert.Equal(t, Name("a"), mws[0].Name())
	assert.Equal(t, Name("b"), mws[1].Name())
}
