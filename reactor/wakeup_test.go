package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWakeupGate_ConsumeFalseWhenAwake(t *testing.T) {
	g := newWakeupGate()
	assert.False(t, g.consume())
}

func TestWakeupGate_ArmThenConsumeTrueOnce(t *testing.T) {
	g := newWakeupGate()
	g.armBeforeWait(time.Time{})
	assert.True(t, g.consume())
	assert.False(t, g.consume(), "a second consume before re-arming must not re-fire")
}

func TestWakeupGate_DisarmResetsToAwake(t *testing.T) {
	g := newWakeupGate()
	g.armBeforeWait(time.Now().Add(time.Hour))
	g.disarmAfterWait()
	assert.False(t, g.consume())
}

func TestWakeupGate_ArmWithDeadlineStillConsumable(t *testing.T) {
	g := newWakeupGate()
	g.armBeforeWait(time.Now().Add(time.Minute))
	assert.True(t, g.consume())
}
