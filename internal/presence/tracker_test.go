package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/pkg/logger"
)

// fakeTimers is a manual scheduler driven by a fake clock.
type fakeTimers struct {
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	due       time.Time
	fn        func()
	cancelled bool
}

func (f *fakeTimers) schedule(d time.Duration, fn func()) func() {
	ft := &fakeTimer{due: f.now.Add(d), fn: fn}
	f.pending = append(f.pending, ft)
	return func() { ft.cancelled = true }
}

func (f *fakeTimers) clock() time.Time { return f.now }

// advance moves the clock forward and fires due timers in order.
func (f *fakeTimers) advance(d time.Duration) {
	target := f.now.Add(d)
	for {
		var next *fakeTimer
		idx := -1
		for i, ft := range f.pending {
			if ft.cancelled || ft.due.After(target) {
				continue
			}
			if next == nil || ft.due.Before(next.due) {
				next, idx = ft, i
			}
		}
		if next == nil {
			break
		}
		f.pending = append(f.pending[:idx], f.pending[idx+1:]...)
		f.now = next.due
		next.fn()
	}
	f.now = target
}

func (f *fakeTimers) armed() int {
	n := 0
	for _, ft := range f.pending {
		if !ft.cancelled {
			n++
		}
	}
	return n
}

type recorder struct {
	deltas []model.Delta
}

func (r *recorder) emit(d model.Delta) { r.deltas = append(r.deltas, d) }

func (r *recorder) lastTyping(t *testing.T) model.TypingState {
	t.Helper()
	for i := len(r.deltas) - 1; i >= 0; i-- {
		if d, ok := r.deltas[i].(model.TypingChanged); ok {
			return d.State
		}
	}
	t.Fatal("no typing delta emitted")
	return model.TypingState{}
}

func newTracker() (*Tracker, *fakeTimers, *recorder) {
	timers := &fakeTimers{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	tr := New(Config{Expiry: 3 * time.Second, SweepInterval: time.Second}, rec.emit, logger.Nop(),
		WithClock(timers.clock),
		WithScheduler(timers.schedule),
	)
	return tr, timers, rec
}

func typing(conv, id string) model.TypingPayload {
	return model.TypingPayload{
		ConversationID: conv,
		Participant:    model.TypingParticipant{ID: id, Name: "Name " + id, Type: model.RoleAgent},
	}
}

func TestTypingStartMarksTyping(t *testing.T) {
	tr, timers, rec := newTracker()

	tr.TypingStarted(typing("c1", "a1"))

	state := rec.lastTyping(t)
	assert.True(t, state.IsTyping)
	require.Len(t, state.Participants, 1)
	assert.Equal(t, "a1", state.Participants[0].ID)
	assert.Equal(t, timers.now, state.LastActivity)
	assert.True(t, tr.Sweeping())
	assert.Equal(t, 1, timers.armed())
}

func TestTypingExpiresWithinExpiryPlusSweepInterval(t *testing.T) {
	tr, timers, rec := newTracker()

	tr.TypingStarted(typing("c1", "a1"))
	timers.advance(2 * time.Second)
	assert.True(t, tr.State("c1").IsTyping)

	timers.advance(2 * time.Second) // expiry + sweep interval
	assert.False(t, tr.State("c1").IsTyping)
	assert.False(t, rec.lastTyping(t).IsTyping)
	assert.False(t, tr.Sweeping(), "sweep stops once nothing is typing")
	assert.Zero(t, timers.armed())
}

func TestTypingRefreshExtendsExpiry(t *testing.T) {
	tr, timers, _ := newTracker()

	tr.TypingStarted(typing("c1", "a1"))
	timers.advance(2 * time.Second)
	tr.TypingStarted(typing("c1", "a1"))
	timers.advance(2 * time.Second)

	assert.True(t, tr.State("c1").IsTyping)
	timers.advance(2 * time.Second)
	assert.False(t, tr.State("c1").IsTyping)
}

func TestTypingStopIsImmediate(t *testing.T) {
	tr, timers, rec := newTracker()

	tr.TypingStarted(typing("c1", "a1"))
	tr.TypingStopped(typing("c1", "a1"))

	assert.False(t, rec.lastTyping(t).IsTyping)
	assert.False(t, tr.Sweeping())
	assert.Zero(t, timers.armed())
}

func TestNoSweepWhileIdle(t *testing.T) {
	tr, timers, rec := newTracker()

	tr.TypingStopped(typing("c1", "nobody"))
	timers.advance(10 * time.Second)

	assert.False(t, tr.Sweeping())
	assert.Empty(t, rec.deltas)
}

func TestParticipantsKeepArrivalOrder(t *testing.T) {
	tr, _, _ := newTracker()

	tr.TypingStarted(typing("c1", "b"))
	tr.TypingStarted(typing("c1", "a"))
	tr.TypingStarted(typing("c1", "b"))

	state := tr.State("c1")
	require.Len(t, state.Participants, 2)
	assert.Equal(t, "b", state.Participants[0].ID)
	assert.Equal(t, "a", state.Participants[1].ID)
}

func TestClearAllDropsStalePresence(t *testing.T) {
	tr, timers, rec := newTracker()

	tr.TypingStarted(typing("c1", "a1"))
	tr.TypingStarted(typing("c2", "a2"))
	rec.deltas = nil

	tr.ClearAll()

	require.Len(t, rec.deltas, 2)
	for _, d := range rec.deltas {
		assert.False(t, d.(model.TypingChanged).State.IsTyping)
	}
	assert.False(t, tr.Active())
	assert.Zero(t, timers.armed())
}

func TestDisconnectedRemovesParticipantAndTyping(t *testing.T) {
	tr, _, rec := newTracker()

	tr.TypingStarted(typing("c1", "a1"))
	tr.Disconnected(model.PresencePayload{ConversationID: "c1", Participant: model.Participant{ID: "a1"}})

	require.GreaterOrEqual(t, len(rec.deltas), 2)
	left, ok := rec.deltas[len(rec.deltas)-1].(model.ParticipantLeft)
	require.True(t, ok)
	assert.Equal(t, "a1", left.ParticipantID)
	assert.False(t, tr.State("c1").IsTyping)
}

func TestConnectedAndRosterMarkOnline(t *testing.T) {
	tr, _, rec := newTracker()

	tr.Connected(model.PresencePayload{ConversationID: "c1", Participant: model.Participant{ID: "u1", Type: model.RoleUser}})
	tr.Roster(model.RosterPayload{ConversationID: "c1", Participants: []model.Participant{{ID: "a1"}, {ID: ""}}})

	require.Len(t, rec.deltas, 2)
	joined := rec.deltas[0].(model.ParticipantJoined)
	require.NotNil(t, joined.Participant.IsOnline)
	assert.True(t, *joined.Participant.IsOnline)

	roster := rec.deltas[1].(model.RosterUpdated)
	require.Len(t, roster.Participants, 1)
	assert.True(t, *roster.Participants[0].IsOnline)
}

func TestFirstTypingAnnouncesParticipant(t *testing.T) {
	tr, _, rec := newTracker()

	tr.TypingStarted(typing("c1", "a1"))

	require.Len(t, rec.deltas, 2)
	joined, ok := rec.deltas[0].(model.ParticipantJoined)
	require.True(t, ok, "participant joins before the typing update")
	assert.Equal(t, "c1", joined.ConversationID)
	assert.Equal(t, "a1", joined.Participant.ID)
	assert.Equal(t, "Name a1", joined.Participant.Name)
	assert.Equal(t, model.RoleAgent, joined.Participant.Type)
	require.NotNil(t, joined.Participant.IsOnline)
	assert.True(t, *joined.Participant.IsOnline)
	assert.IsType(t, model.TypingChanged{}, rec.deltas[1])

	rec.deltas = nil
	tr.TypingStarted(typing("c1", "a1"))
	tr.TypingStarted(typing("c2", "a1"))

	var joins []string
	for _, d := range rec.deltas {
		if j, ok := d.(model.ParticipantJoined); ok {
			joins = append(joins, j.ConversationID)
		}
	}
	assert.Equal(t, []string{"c2"}, joins, "only unseen participants are announced")
}

func TestKnownParticipantTypingDoesNotRejoin(t *testing.T) {
	tr, _, rec := newTracker()

	tr.Roster(model.RosterPayload{ConversationID: "c1", Participants: []model.Participant{{ID: "a1"}}})
	rec.deltas = nil
	tr.TypingStarted(typing("c1", "a1"))
	require.Len(t, rec.deltas, 1)
	assert.IsType(t, model.TypingChanged{}, rec.deltas[0])

	tr.Disconnected(model.PresencePayload{ConversationID: "c1", Participant: model.Participant{ID: "a1"}})
	rec.deltas = nil
	tr.TypingStarted(typing("c1", "a1"))
	assert.IsType(t, model.ParticipantJoined{}, rec.deltas[0], "departed participant is announced again")
}
