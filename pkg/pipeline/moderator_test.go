package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/ai/mock"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/bus/bustest"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModerator(h *harness, cls *mock.Classifier) *Moderator {
	m := NewModerator(h.store, cls, h.bus, h.notifier, Config{})
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m
}

func TestModerator_ApproveHandsOffToVectorStage(t *testing.T) {
	h := newHarness(t)
	h.put(t, article("a-1"))
	m := newTestModerator(h, approveWith("pid", "autoscaling"))

	require.NoError(t, m.Handle(context.Background(), taskMsg("a-1")))

	c, err := h.store.Get(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, flow.StateApproved, c.State)
	require.NotNil(t, c.Analysis)
	assert.Equal(t, []string{"pid", "autoscaling"}, c.Analysis.Keywords)

	proceeds := h.bus.On(bus.SubjectVectorQueue)
	require.Len(t, proceeds, 1)
	assert.Len(t, proceeds[0].Opts, 1, "proceed event carries a dedup message id")
	event := decodeProceedEvent(t, proceeds[0])
	assert.Equal(t, "a-1", event.TaskID)
	assert.True(t, event.AnalysisResult.Approved)

	status := h.bus.On(bus.SubjectEventStatus)
	require.Len(t, status, 1)
	assert.Contains(t, string(status[0].Data), `"to":"APPROVED"`)
	assert.Empty(t, h.notifier.Events())
}

func TestModerator_RejectNotifiesAuthor(t *testing.T) {
	h := newHarness(t)
	h.put(t, article("a-1"))
	cls := &mock.Classifier{ClassifyFunc: func(context.Context, string, string) (flow.AnalysisResult, error) {
		return flow.AnalysisResult{Approved: false, Reason: "explicit content"}, nil
	}}
	m := newTestModerator(h, cls)

	require.NoError(t, m.Handle(context.Background(), taskMsg("a-1")))

	c, err := h.store.Get(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, flow.StateRejected, c.State)
	assert.Equal(t, "explicit content", c.RejectReason)
	assert.Empty(t, h.bus.On(bus.SubjectVectorQueue))

	events := h.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, flow.NotificationEvent{
		ActorID:      flow.SystemActorID,
		TargetUserID: 42,
		EventType:    flow.EventArticleRejected,
		ResourceID:   "a-1",
		ResourceSlug: "slug-a-1",
		Payload:      "explicit content",
	}, events[0])
}

func TestModerator_ClassifierFailuresDeadLetterWithoutProceed(t *testing.T) {
	h := newHarness(t)
	h.put(t, article("a-1"))
	cls := &mock.Classifier{ClassifyFunc: func(context.Context, string, string) (flow.AnalysisResult, error) {
		return flow.AnalysisResult{}, errors.New("model overloaded")
	}}
	m := newTestModerator(h, cls)
	route := bus.RouteFor(bus.AuditQueue, bus.DefaultRetryPolicy)
	msg := taskMsg("a-1")
	ctx := context.Background()

	for attempt := 1; attempt <= 5; attempt++ {
		outcome := bus.Settle(ctx, h.bus, msg, route, m.Handle(ctx, msg))
		if attempt < 5 {
			require.Equal(t, bus.OutcomeRetried, outcome, "attempt %d", attempt)
			msg.Redeliver()
		} else {
			require.Equal(t, bus.OutcomeDeadLettered, outcome)
		}
	}

	assert.Equal(t, 5, cls.CallCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, msg.Naks())
	assert.Equal(t, 1, msg.Terms())
	assert.Len(t, h.bus.On(bus.SubjectAuditDead), 1)
	assert.Empty(t, h.bus.On(bus.SubjectVectorQueue))
	assert.Equal(t, flow.StatePending, h.state(t, "a-1"))
}

func TestModerator_PermanentClassifierErrorDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	h.put(t, article("a-1"))
	cls := &mock.Classifier{ClassifyFunc: func(context.Context, string, string) (flow.AnalysisResult, error) {
		return flow.AnalysisResult{}, bus.Permanent(errors.New("content policy refused"))
	}}
	m := newTestModerator(h, cls)
	msg := taskMsg("a-1")

	outcome := bus.Settle(context.Background(), h.bus, msg, bus.RouteFor(bus.AuditQueue, bus.DefaultRetryPolicy), m.Handle(context.Background(), msg))
	assert.Equal(t, bus.OutcomeDeadLettered, outcome)
	assert.Len(t, h.bus.On(bus.SubjectAuditDead), 1)
}

func TestModerator_ReadAfterWriteRetry(t *testing.T) {
	h := newHarness(t)
	m := newTestModerator(h, approveWith("late"))
	sleeps := 0
	m.sleep = func(context.Context, time.Duration) error {
		sleeps++
		h.put(t, article("a-1"))
		return nil
	}

	require.NoError(t, m.Handle(context.Background(), taskMsg("a-1")))
	assert.Equal(t, 1, sleeps)
	assert.Equal(t, flow.StateApproved, h.state(t, "a-1"))
}

func TestModerator_MissingTaskIsAckedAfterOneRetry(t *testing.T) {
	h := newHarness(t)
	cls := mock.NewClassifier()
	m := newTestModerator(h, cls)
	sleeps := 0
	m.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	msg := taskMsg("ghost")
	outcome := bus.Settle(context.Background(), h.bus, msg, bus.RouteFor(bus.AuditQueue, bus.DefaultRetryPolicy), m.Handle(context.Background(), msg))
	assert.Equal(t, bus.OutcomeAcked, outcome)
	assert.Equal(t, 1, sleeps)
	assert.Zero(t, cls.CallCount())
	assert.Empty(t, h.bus.All())
}

func TestModerator_DeletedDuringClassifyIsAcked(t *testing.T) {
	for _, approve := range []bool{true, false} {
		t.Run(fmt.Sprintf("approved=%v", approve), func(t *testing.T) {
			h := newHarness(t)
			h.put(t, article("a-1"))
			cls := &mock.Classifier{ClassifyFunc: func(context.Context, string, string) (flow.AnalysisResult, error) {
				h.mr.Del("content:a-1")
				return flow.AnalysisResult{Approved: approve, Reason: "spam"}, nil
			}}
			m := newTestModerator(h, cls)
			msg := taskMsg("a-1")

			outcome := bus.Settle(context.Background(), h.bus, msg, bus.RouteFor(bus.AuditQueue, bus.DefaultRetryPolicy), m.Handle(context.Background(), msg))
			assert.Equal(t, bus.OutcomeAcked, outcome)
			assert.Empty(t, msg.Naks())
			assert.Empty(t, h.bus.All())
			assert.Empty(t, h.notifier.Events())
		})
	}
}

func TestModerator_SettledTaskIsNotReclassified(t *testing.T) {
	for _, state := range []flow.ModerationState{flow.StateRejected, flow.StatePublished} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t)
			c := article("a-1")
			c.State = state
			h.put(t, c)
			cls := mock.NewClassifier()
			m := newTestModerator(h, cls)

			require.NoError(t, m.Handle(context.Background(), taskMsg("a-1")))
			assert.Zero(t, cls.CallCount())
			assert.Empty(t, h.bus.All())
			assert.Equal(t, state, h.state(t, "a-1"))
		})
	}
}

func TestModerator_ApprovedTaskRepublishesWithoutReclassifying(t *testing.T) {
	h := newHarness(t)
	h.put(t, article("a-1"))
	analysis := flow.AnalysisResult{Approved: true, Keywords: []string{"kept"}}
	_, err := h.store.Commit(context.Background(), "a-1", store.Transition{From: flow.StatePending, To: flow.StateApproved, Analysis: &analysis})
	require.NoError(t, err)
	cls := mock.NewClassifier()
	m := newTestModerator(h, cls)

	require.NoError(t, m.Handle(context.Background(), taskMsg("a-1")))
	assert.Zero(t, cls.CallCount())
	proceeds := h.bus.On(bus.SubjectVectorQueue)
	require.Len(t, proceeds, 1)
	assert.Equal(t, []string{"kept"}, decodeProceedEvent(t, proceeds[0]).AnalysisResult.Keywords)
}

func TestModerator_ProceedPublishFailureRetriesAndRecovers(t *testing.T) {
	h := newHarness(t)
	h.put(t, article("a-1"))
	cls := approveWith("x")
	m := newTestModerator(h, cls)
	h.bus.Fail = map[string]error{bus.SubjectVectorQueue: errors.New("nats timeout")}
	msg := taskMsg("a-1")
	route := bus.RouteFor(bus.AuditQueue, bus.DefaultRetryPolicy)

	outcome := bus.Settle(context.Background(), h.bus, msg, route, m.Handle(context.Background(), msg))
	assert.Equal(t, bus.OutcomeRetried, outcome)
	assert.Equal(t, flow.StateApproved, h.state(t, "a-1"))

	h.bus.Fail = nil
	msg.Redeliver()
	outcome = bus.Settle(context.Background(), h.bus, msg, route, m.Handle(context.Background(), msg))
	assert.Equal(t, bus.OutcomeAcked, outcome)
	assert.Equal(t, 1, cls.CallCount())
	assert.Len(t, h.bus.On(bus.SubjectVectorQueue), 1)
}

func TestModerator_StoreFailureIsTransient(t *testing.T) {
	h := newHarness(t)
	h.put(t, article("a-1"))
	m := newTestModerator(h, approveWith())
	h.mr.SetError("LOADING")
	defer h.mr.SetError("")

	err := m.Handle(context.Background(), taskMsg("a-1"))
	require.Error(t, err)
	assert.False(t, bus.IsPermanent(err))
}

func TestModerator_BadPayloadIsPermanent(t *testing.T) {
	h := newHarness(t)
	m := newTestModerator(h, mock.NewClassifier())

	err := m.Handle(context.Background(), bustest.NewMessage(bus.SubjectAuditQueue, []byte("{"), 1))
	assert.True(t, bus.IsPermanent(err))
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestModerator_ClassifyTimeout(t *testing.T) {
	h := newHarness(t)
	h.put(t, article("a-1"))
	cls := &mock.Classifier{ClassifyFunc: func(ctx context.Context, _, _ string) (flow.AnalysisResult, error) {
		<-ctx.Done()
		return flow.AnalysisResult{}, ctx.Err()
	}}
	m := NewModerator(h.store, cls, h.bus, h.notifier, Config{ClassifyTimeout: 10 * time.Millisecond})

	err := m.Handle(context.Background(), taskMsg("a-1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, flow.StatePending, h.state(t, "a-1"))
}
