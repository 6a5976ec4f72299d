package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "dead", StateDead.String())
}

func TestNewInboundMessageShapesUserTurn(t *testing.T) {
	msg := newInboundMessage(MessagePayload{Text: "hello there"})
	assert.Equal(t, "user", msg.Type)
	assert.Equal(t, "user", msg.Message.Role)
	assert.Equal(t, "hello there", msg.Message.Content)
}
