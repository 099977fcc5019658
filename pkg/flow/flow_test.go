package flow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ModerationState
		want     bool
	}{
		{StatePending, StateApproved, true},
		{StatePending, StateRejected, true},
		{StateApproved, StatePublished, true},
		{StatePending, StatePublished, false},
		{StateApproved, StateRejected, false},
		{StateApproved, StatePending, false},
		{StateRejected, StatePending, false},
		{StateRejected, StatePublished, false},
		{StatePublished, StatePending, false},
		{StatePublished, StateApproved, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateApproved.Terminal())
	assert.True(t, StateRejected.Terminal())
	assert.True(t, StatePublished.Terminal())
}

func TestParseState(t *testing.T) {
	st, err := ParseState(" published ")
	require.NoError(t, err)
	assert.Equal(t, StatePublished, st)

	_, err = ParseState("archived")
	assert.Error(t, err)
}

func TestProceedEventWireFormat(t *testing.T) {
	data, err := json.Marshal(ProceedEvent{
		TaskID:         "42",
		AnalysisResult: AnalysisResult{Approved: true, Keywords: []string{"go", "nats"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"taskId":"42","analysisResult":{"approved":true,"keywords":["go","nats"],"reason":""}}`, string(data))
}

func TestSelfNotification(t *testing.T) {
	assert.True(t, NotificationEvent{ActorID: 7, TargetUserID: 7}.SelfNotification())
	assert.False(t, NotificationEvent{ActorID: SystemActorID, TargetUserID: 7}.SelfNotification())
}

func TestInboxKeys(t *testing.T) {
	assert.Equal(t, "notifications:9", InboxKey(9))
	assert.Equal(t, "notifications:9:unread", UnreadKey(9))
	assert.Equal(t, "notifications:9:seen", SeenKey(9))
}
