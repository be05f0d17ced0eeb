package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	id1, ch1 := bus.Subscribe(4)
	_, ch2 := bus.Subscribe(4)
	assert.Equal(t, 2, bus.Subscribers())

	bus.Emit(AgentRemoved{AgentID: "a1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		e := <-ch
		assert.Equal(t, KindAgentRemoved, e.Kind())
		assert.Equal(t, AgentRemoved{AgentID: "a1"}, e.Payload)
		assert.NotEmpty(t, e.ID)
	}

	bus.Unsubscribe(id1)
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, bus.Subscribers())
	bus.Unsubscribe(id1)
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	_, ch := bus.Subscribe(1)

	bus.Emit(PrioritiesInvalidated{Reason: "a"})
	bus.Emit(PrioritiesInvalidated{Reason: "b"})

	require.Len(t, ch, 1)
	e := <-ch
	assert.Equal(t, "a", e.Payload.(PrioritiesInvalidated).Reason)
}

func TestEventJSON(t *testing.T) {
	e := New(TaskStateChanged{
		AgentID:  "a1",
		TaskID:   "t1",
		OldState: statemachine.Processing,
		NewState: statemachine.Complete,
		Trigger:  statemachine.LLMFinished,
		Source:   "poll",
	})
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "task_state_changed", decoded.Type)
	assert.Equal(t, "processing", decoded.Data["old_state"])
	assert.Equal(t, "complete", decoded.Data["new_state"])
	assert.Equal(t, "llm_finished", decoded.Data["trigger"])
}
