package matching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin-roulette-server/internal/metrics"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]Message
	full map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][]Message), full: make(map[string]bool)}
}

func (r *recordingSender) Send(id string, msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full[id] {
		return false
	}
	r.sent[id] = append(r.sent[id], msg)
	return true
}

// of returns the messages of type typ delivered to id.
func (r *recordingSender) of(id, typ string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.sent[id] {
		if m.MessageType() == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordingSender) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent[id])
}

type recordingSink struct {
	events []LifecycleEvent
}

func (r *recordingSink) Publish(ev LifecycleEvent) { r.events = append(r.events, ev) }

type relayed struct {
	From string `json:"from"`
}

func (relayed) MessageType() string { return "offer" }

func newTestService(t *testing.T, opts ...Option) (*Service, *recordingSender) {
	t.Helper()
	sender := newRecordingSender()
	return NewService(sender, opts...), sender
}

// assertInvariants checks that every registered connection is either waiting
// or paired, that pairs are symmetric and the pool holds no duplicates.
func assertInvariants(t *testing.T, s *Service) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, partner := range s.pairs.pairs {
		back, ok := s.pairs.pairs[partner]
		require.True(t, ok, "pair %s->%s has no reverse entry", id, partner)
		require.Equal(t, id, back)
		require.False(t, s.pool.Contains(id), "%s is paired and waiting", id)
	}

	seen := make(map[string]bool)
	for _, e := range s.pool.entries {
		require.False(t, seen[e.ID], "%s waiting twice", e.ID)
		seen[e.ID] = true
		require.True(t, s.registry.Contains(e.ID), "%s waiting but not registered", e.ID)
	}

	for id := range s.registry.conns {
		require.NotEqual(t, StateIdle, s.stateLocked(id), "%s is neither waiting nor paired", id)
	}
	require.Equal(t, s.registry.Len(), s.pool.Len()+2*s.pairs.Len())
}

func TestConnectAloneWaits(t *testing.T) {
	s, sender := newTestService(t)

	s.Connect("a")

	assert.Equal(t, StateWaiting, s.State("a"))
	require.Len(t, sender.of("a", TypeConnected), 1)
	assert.Equal(t, Connected{ID: "a"}, sender.of("a", TypeConnected)[0])
	assert.Empty(t, sender.of("a", TypeMatched))
	assertInvariants(t, s)
}

func TestMatchNotifiesArrivingSideOnly(t *testing.T) {
	s, sender := newTestService(t)

	s.Connect("a")
	s.Connect("b")

	partner, ok := s.Partner("a")
	require.True(t, ok)
	assert.Equal(t, "b", partner)
	partner, ok = s.Partner("b")
	require.True(t, ok)
	assert.Equal(t, "a", partner)

	require.Len(t, sender.of("b", TypeMatched), 1)
	assert.Equal(t, Matched{PartnerID: "a", Initiator: true}, sender.of("b", TypeMatched)[0])
	assert.Empty(t, sender.of("a", TypeMatched), "waiting side is not notified")
	assert.Empty(t, s.Waiting())
	assertInvariants(t, s)
}

func TestConnectTwiceIsIgnored(t *testing.T) {
	s, sender := newTestService(t)

	s.Connect("a")
	s.Connect("a")

	assert.Equal(t, []string{"a"}, s.Waiting())
	assert.Len(t, sender.of("a", TypeConnected), 1)
}

func TestEndToEndScenario(t *testing.T) {
	s, sender := newTestService(t)

	s.Connect("x")
	assert.Equal(t, []string{"x"}, s.Waiting())

	s.Connect("y")
	require.Len(t, sender.of("y", TypeMatched), 1)
	assert.Equal(t, "x", sender.of("y", TypeMatched)[0].(Matched).PartnerID)

	s.Connect("z")
	assert.Equal(t, []string{"z"}, s.Waiting())

	s.Skip("x")

	partner, ok := s.Partner("y")
	require.True(t, ok)
	assert.Equal(t, "z", partner)
	require.Len(t, sender.of("y", TypeSkipped), 1)
	require.Len(t, sender.of("y", TypeMatched), 2)
	assert.Equal(t, "z", sender.of("y", TypeMatched)[1].(Matched).PartnerID)
	assert.Empty(t, sender.of("z", TypeMatched))

	assert.Equal(t, StateWaiting, s.State("x"))
	assert.Equal(t, []string{"x"}, s.Waiting())
	assertInvariants(t, s)
}

func TestSkipWithEmptyPoolDoesNotRepairSamePartners(t *testing.T) {
	s, sender := newTestService(t)

	s.Connect("a")
	s.Connect("b")
	s.Skip("a")

	assert.Equal(t, StateWaiting, s.State("a"))
	assert.Equal(t, StateWaiting, s.State("b"))
	assert.Equal(t, []string{"b", "a"}, s.Waiting(), "partner re-queued before requester")
	require.Len(t, sender.of("b", TypeSkipped), 1)
	assert.Equal(t, Skipped{PartnerID: "a"}, sender.of("b", TypeSkipped)[0])
	assert.Empty(t, sender.of("a", TypeSkipped))
	assertInvariants(t, s)

	// A newcomer takes the oldest waiting entry and lifts the exclusion.
	s.Connect("c")
	partner, _ := s.Partner("c")
	assert.Equal(t, "b", partner)
	assert.Equal(t, "", s.registry.LastPartner("a"))
	assertInvariants(t, s)
}

func TestSkipRepairsWhenRepeatAllowed(t *testing.T) {
	s, sender := newTestService(t, WithAvoidRepeatPartner(false))

	s.Connect("a")
	s.Connect("b")
	s.Skip("a")

	partner, ok := s.Partner("a")
	require.True(t, ok)
	assert.Equal(t, "b", partner)
	// a re-entered last, so a is the initiator of the new pair.
	require.Len(t, sender.of("a", TypeMatched), 1)
	assert.Equal(t, "b", sender.of("a", TypeMatched)[0].(Matched).PartnerID)
	assertInvariants(t, s)
}

func TestSkipWhileWaitingRequeues(t *testing.T) {
	s, sender := newTestService(t)

	s.Connect("a")
	s.Skip("a")

	assert.Equal(t, []string{"a"}, s.Waiting())
	assert.Empty(t, sender.of("a", TypeSkipped))
	assertInvariants(t, s)
}

func TestSkipWhileWaitingMovesToBack(t *testing.T) {
	s, _ := newTestService(t, WithCompatibility(func(_, _ Profile) bool { return false }))

	s.Connect("a")
	s.Connect("b")
	s.Skip("a")

	assert.Equal(t, []string{"b", "a"}, s.Waiting())
	assertInvariants(t, s)
}

func TestSkipUnknownIsNoop(t *testing.T) {
	s, sender := newTestService(t)

	s.Skip("ghost")

	assert.Equal(t, 0, s.Stats().Connections)
	assert.Equal(t, 0, sender.count("ghost"))
}

func TestDisconnectWhilePairedRequeuesPartner(t *testing.T) {
	s, sender := newTestService(t)

	s.Connect("a")
	s.Connect("b")
	s.Disconnect("a")

	require.Len(t, sender.of("b", TypePartnerDisconnected), 1)
	assert.Equal(t, PartnerDisconnected{PartnerID: "a"}, sender.of("b", TypePartnerDisconnected)[0])
	assert.Equal(t, StateWaiting, s.State("b"))
	assert.Equal(t, StateIdle, s.State("a"))
	_, ok := s.Profile("a")
	assert.False(t, ok)
	assertInvariants(t, s)
}

func TestDisconnectWhilePairedRepairsWithWaiting(t *testing.T) {
	s, sender := newTestService(t)

	s.Connect("a")
	s.Connect("b")
	s.Connect("c")
	s.Disconnect("b")

	partner, ok := s.Partner("a")
	require.True(t, ok)
	assert.Equal(t, "c", partner)
	require.Len(t, sender.of("a", TypeMatched), 1, "survivor arrives second and initiates")
	assert.Empty(t, s.Waiting())
	assertInvariants(t, s)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	s, sender := newTestService(t, WithEventSink(sink))

	s.Connect("a")
	s.Connect("b")
	s.Disconnect("a")

	before := sender.count("b")
	events := len(sink.events)
	waiting := s.Waiting()

	s.Disconnect("a")

	assert.Equal(t, before, sender.count("b"))
	assert.Equal(t, events, len(sink.events))
	assert.Equal(t, waiting, s.Waiting())
	assertInvariants(t, s)
}

func TestDisconnectWhileWaiting(t *testing.T) {
	s, _ := newTestService(t)

	s.Connect("a")
	s.Disconnect("a")

	assert.Empty(t, s.Waiting())
	assert.Equal(t, 0, s.Stats().Connections)
}

func TestSubmitProfileWhileWaitingRematches(t *testing.T) {
	s, _ := newTestService(t, WithCompatibility(GenderFilterCompatibility))

	s.Connect("a")
	require.NoError(t, s.SubmitProfile("a", Profile{GenderFilter: FilterFemale, Gender: GenderMale}))
	require.NoError(t, s.SubmitProfile("a", Profile{GenderFilter: FilterFemale, Gender: GenderMale}))
	assert.Equal(t, []string{"a"}, s.Waiting(), "resubmission must not duplicate the entry")

	s.Connect("b") // default profile: unknown gender, rejected by a's filter
	assert.Equal(t, []string{"a", "b"}, s.Waiting())

	require.NoError(t, s.SubmitProfile("b", Profile{GenderFilter: FilterAny, Gender: GenderFemale}))
	partner, ok := s.Partner("b")
	require.True(t, ok)
	assert.Equal(t, "a", partner)
	assertInvariants(t, s)
}

func TestSubmitProfileWhilePairedKeepsPair(t *testing.T) {
	s, _ := newTestService(t)

	s.Connect("a")
	s.Connect("b")
	require.NoError(t, s.SubmitProfile("a", Profile{IsPremium: true, GenderFilter: FilterMale}))

	partner, ok := s.Partner("a")
	require.True(t, ok)
	assert.Equal(t, "b", partner)
	p, _ := s.Profile("a")
	assert.True(t, p.IsPremium)
	assert.Empty(t, s.Waiting())
	assertInvariants(t, s)
}

func TestSubmitProfileKeepsJoinTime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := t0
	s, _ := newTestService(t,
		WithCompatibility(func(_, _ Profile) bool { return false }),
		WithClock(func() time.Time { return clock }))

	s.Connect("a")
	clock = clock.Add(time.Minute)
	require.NoError(t, s.SubmitProfile("a", Profile{IsPremium: true, GenderFilter: FilterAny}))

	p, ok := s.Profile("a")
	require.True(t, ok)
	assert.True(t, p.IsPremium)
	assert.Equal(t, t0, p.JoinTime)
	assert.Equal(t, t0, s.Stats().OldestWaiting)
}

func TestSubmitProfileUnknown(t *testing.T) {
	s, _ := newTestService(t)
	require.ErrorIs(t, s.SubmitProfile("ghost", Profile{}), ErrUnknownConnection)
}

func TestDefaultPolicyIgnoresGenderFilter(t *testing.T) {
	s, _ := newTestService(t)

	s.Connect("a")
	require.NoError(t, s.SubmitProfile("a", Profile{GenderFilter: FilterFemale, Gender: GenderMale}))
	s.Connect("b")
	require.NoError(t, s.SubmitProfile("b", Profile{GenderFilter: FilterFemale, Gender: GenderMale}))

	partner, ok := s.Partner("b")
	require.True(t, ok)
	assert.Equal(t, "a", partner)
}

func TestRelay(t *testing.T) {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	s, sender := newTestService(t, WithMetrics(reg))

	s.Connect("a")
	s.Connect("b")
	s.Connect("c")

	require.NoError(t, s.Relay("b", "a", relayed{From: "b"}))
	require.Len(t, sender.of("a", "offer"), 1)
	assert.Equal(t, relayed{From: "b"}, sender.of("a", "offer")[0])

	// No partner check by default.
	require.NoError(t, s.Relay("c", "a", relayed{From: "c"}))

	require.ErrorIs(t, s.Relay("a", "gone", relayed{}), ErrRouteMiss)
	require.ErrorIs(t, s.Relay("gone", "a", relayed{}), ErrUnknownConnection)

	sender.full["b"] = true
	require.ErrorIs(t, s.Relay("a", "b", relayed{}), ErrRouteMiss)

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.Messages.Relayed.WithLabelValues("offer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Messages.RelayDropped.WithLabelValues("offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Messages.RelayDropped.WithLabelValues("queue_full")))
}

func TestRelayRequirePartner(t *testing.T) {
	s, sender := newTestService(t, WithRequirePartner(true))

	s.Connect("a")
	s.Connect("b")
	s.Connect("c")

	require.NoError(t, s.Relay("b", "a", relayed{}))
	require.ErrorIs(t, s.Relay("c", "a", relayed{}), ErrNotPartner)
	assert.Len(t, sender.of("a", "offer"), 1)
}

func TestLifecycleEventsPublished(t *testing.T) {
	sink := &recordingSink{}
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	s, _ := newTestService(t, WithEventSink(sink), WithClock(func() time.Time { return now }))

	s.Connect("a")
	s.Connect("b")
	s.Skip("b")
	s.Disconnect("a")

	kinds := make([]LifecycleKind, len(sink.events))
	for i, ev := range sink.events {
		kinds[i] = ev.Kind
		assert.Equal(t, now, ev.At)
	}
	assert.Equal(t, []LifecycleKind{KindMatched, KindUnpaired, KindDisconnected}, kinds)
	assert.Equal(t, LifecycleEvent{Kind: KindMatched, ConnID: "b", PartnerID: "a", At: now}, sink.events[0])
	assert.Equal(t, "skip", sink.events[1].Reason)
}

func TestStatsAndGauges(t *testing.T) {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := t0
	s, _ := newTestService(t, WithMetrics(reg), WithClock(func() time.Time { return clock }))

	s.Connect("a")
	clock = clock.Add(time.Second)
	s.Connect("b")
	clock = clock.Add(time.Second)
	s.Connect("c")

	st := s.Stats()
	assert.Equal(t, Stats{Connections: 3, Waiting: 1, Pairs: 1, OldestWaiting: t0.Add(2 * time.Second)}, st)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Matching.Waiting))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Matching.Pairs))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Matching.Matches))
}

func TestConcurrentChurnKeepsInvariants(t *testing.T) {
	s, _ := newTestService(t)

	const workers = 16
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("w%d-%d", w, i%5)
				switch i % 4 {
				case 0:
					s.Connect(id)
				case 1:
					s.Skip(id)
				case 2:
					s.Skip(fmt.Sprintf("w%d-%d", (w+1)%workers, i%5))
				case 3:
					if i%3 == 0 {
						s.Disconnect(id)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	assertInvariants(t, s)
}
