package matching

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"odin-roulette-server/internal/metrics"
)

var (
	// ErrUnknownConnection is returned for operations on an id that is not registered.
	ErrUnknownConnection = errors.New("matching: unknown connection")
	// ErrRouteMiss is returned when a relay target is not connected.
	ErrRouteMiss = errors.New("matching: relay target not connected")
	// ErrNotPartner is returned when partner checks are on and the target is
	// not the sender's current partner.
	ErrNotPartner = errors.New("matching: relay target is not the current partner")
)

// State is where a connection sits in the matching lifecycle.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	}
	return "idle"
}

// Stats is a point-in-time view of the matching state.
type Stats struct {
	Connections   int       `json:"connections"`
	Waiting       int       `json:"waiting"`
	Pairs         int       `json:"pairs"`
	OldestWaiting time.Time `json:"oldestWaiting"`
}

// Service owns the connection registry, waiting pool and pair table. Every
// exported method holds one mutex for its whole duration, so multi-step
// transitions such as find-remove-link are atomic with respect to each other.
type Service struct {
	mu       sync.Mutex
	registry *Registry
	pool     *Pool
	pairs    *PairTable

	compatible     Compatibility
	avoidRepeat    bool
	requirePartner bool

	sender  Sender
	sink    EventSink
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCompatibility replaces the pairing predicate.
func WithCompatibility(fn Compatibility) Option {
	return func(s *Service) {
		if fn != nil {
			s.compatible = fn
		}
	}
}

// WithAvoidRepeatPartner controls whether two connections separated by a skip
// may be paired again right away.
func WithAvoidRepeatPartner(on bool) Option {
	return func(s *Service) { s.avoidRepeat = on }
}

// WithRequirePartner makes Relay drop messages not addressed to the sender's
// current partner.
func WithRequirePartner(on bool) Option {
	return func(s *Service) { s.requirePartner = on }
}

func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a Service delivering events through sender.
func NewService(sender Sender, opts ...Option) *Service {
	s := &Service{
		registry:    NewRegistry(),
		pool:        NewPool(),
		pairs:       NewPairTable(),
		compatible:  AlwaysCompatible,
		avoidRepeat: true,
		sender:      sender,
		sink:        nopSink{},
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRegistry(prometheus.NewRegistry())
	}
	return s
}

// Connect registers id with a default profile and tries to match it.
// Connecting an id that is already registered is a no-op.
func (s *Service) Connect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry.Contains(id) {
		s.logger.Debug("connect for registered connection ignored", zap.String("conn_id", id))
		return
	}
	profile := DefaultProfile(s.now())
	s.registry.Register(id, profile)
	s.sender.Send(id, Connected{ID: id})
	s.tryMatch(id, profile)
	s.syncGauges()
}

// SubmitProfile overwrites the stored profile, keeping the original join
// time. A waiting connection is
// re-matched with the new profile; a paired one keeps its partner.
func (s *Service) SubmitProfile(id string, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.registry.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	p.JoinTime = prev.JoinTime
	s.registry.Register(id, p)

	if partner, ok := s.pairs.Partner(id); ok {
		s.logger.Debug("profile updated while paired",
			zap.String("conn_id", id), zap.String("partner_id", partner))
		return nil
	}
	s.pool.Remove(id)
	s.tryMatch(id, p)
	s.syncGauges()
	return nil
}

// Relay forwards msg from senderID to targetID. The target is whatever the
// sender named; only with WithRequirePartner is it checked against the pair
// table. Misses are dropped and reported through the returned error only.
func (s *Service) Relay(senderID, targetID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registry.Contains(senderID) {
		return ErrUnknownConnection
	}
	if !s.registry.Contains(targetID) {
		s.metrics.Messages.RelayDropped.WithLabelValues("offline").Inc()
		return ErrRouteMiss
	}
	if s.requirePartner {
		if partner, ok := s.pairs.Partner(senderID); !ok || partner != targetID {
			s.metrics.Messages.RelayDropped.WithLabelValues("not_partner").Inc()
			return ErrNotPartner
		}
	}
	if !s.sender.Send(targetID, msg) {
		s.metrics.Messages.RelayDropped.WithLabelValues("queue_full").Inc()
		return ErrRouteMiss
	}
	s.metrics.Messages.Relayed.WithLabelValues(msg.MessageType()).Inc()
	return nil
}

// Skip ends id's current pair, if any, and sends both sides back through the
// matchmaker: the partner first, then the requester. A waiting connection
// that skips is removed and re-enters the pool at the back.
func (s *Service) Skip(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.registry.Get(id)
	if !ok {
		s.logger.Debug("skip for unknown connection ignored", zap.String("conn_id", id))
		return
	}
	s.metrics.Matching.Skips.Inc()

	if partner, paired := s.pairs.Unlink(id); paired {
		if s.avoidRepeat {
			s.registry.setLastPartner(id, partner)
			s.registry.setLastPartner(partner, id)
		}
		s.sender.Send(partner, Skipped{PartnerID: id})
		s.publish(KindUnpaired, id, partner, "skip")
		s.logger.Debug("pair skipped", zap.String("conn_id", id), zap.String("partner_id", partner))

		if partnerProfile, ok := s.registry.Get(partner); ok {
			s.tryMatch(partner, partnerProfile)
		}
	}

	s.pool.Remove(id)
	s.tryMatch(id, profile)
	s.syncGauges()
}

// Disconnect removes id from every structure. The former partner, if any, is
// told and re-matched. Repeated calls for the same id do nothing.
func (s *Service) Disconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registry.Contains(id) {
		return
	}
	s.metrics.Matching.Disconnects.Inc()

	partner, paired := s.pairs.Unlink(id)
	if paired {
		s.sender.Send(partner, PartnerDisconnected{PartnerID: id})
		if partnerProfile, ok := s.registry.Get(partner); ok {
			s.tryMatch(partner, partnerProfile)
		}
	}
	s.pool.Remove(id)
	s.registry.Remove(id)
	s.publish(KindDisconnected, id, partner, "")
	s.logger.Debug("connection removed", zap.String("conn_id", id), zap.Bool("was_paired", paired))
	s.syncGauges()
}

// State reports where id currently sits.
func (s *Service) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(id)
}

// Partner returns id's current partner.
func (s *Service) Partner(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairs.Partner(id)
}

// Profile returns the stored profile of id.
func (s *Service) Profile(id string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Get(id)
}

// Waiting returns the ids in the pool, oldest first.
func (s *Service) Waiting() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.pool.Snapshot()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Connections: s.registry.Len(),
		Waiting:     s.pool.Len(),
		Pairs:       s.pairs.Len(),
	}
	if entries := s.pool.Snapshot(); len(entries) > 0 {
		st.OldestWaiting = entries[0].Profile.JoinTime
	}
	return st
}

// tryMatch pairs id with the first compatible waiting entry, or enqueues it.
// Only id is notified of a new pair. Callers hold s.mu.
func (s *Service) tryMatch(id string, p Profile) {
	candidate, found := s.pool.FindAndRemoveCompatible(id, func(e Entry) bool {
		if s.avoidRepeat && s.isRepeat(id, e.ID) {
			return false
		}
		return s.compatible(p, e.Profile)
	})
	if !found {
		if !s.pool.Enqueue(Entry{ID: id, Profile: p}) {
			s.logger.Warn("connection already waiting", zap.String("conn_id", id))
		}
		return
	}

	if err := s.pairs.Link(id, candidate.ID); err != nil {
		// Candidate came out of the pool, so it must not have a partner.
		s.logger.Error("link failed", zap.String("conn_id", id),
			zap.String("partner_id", candidate.ID), zap.Error(err))
		s.pool.Enqueue(candidate)
		return
	}
	s.clearLastPartner(id)
	s.clearLastPartner(candidate.ID)

	s.metrics.Matching.Matches.Inc()
	s.sender.Send(id, Matched{PartnerID: candidate.ID, Initiator: true})
	s.publish(KindMatched, id, candidate.ID, "")
	s.logger.Debug("pair formed", zap.String("conn_id", id), zap.String("partner_id", candidate.ID))
}

func (s *Service) isRepeat(a, b string) bool {
	return s.registry.LastPartner(a) == b || s.registry.LastPartner(b) == a
}

// clearLastPartner drops the skip exclusion between id and its last partner
// from both sides.
func (s *Service) clearLastPartner(id string) {
	prev := s.registry.LastPartner(id)
	if prev == "" {
		return
	}
	if s.registry.LastPartner(prev) == id {
		s.registry.setLastPartner(prev, "")
	}
	s.registry.setLastPartner(id, "")
}

func (s *Service) stateLocked(id string) State {
	if _, ok := s.pairs.Partner(id); ok {
		return StatePaired
	}
	if s.pool.Contains(id) {
		return StateWaiting
	}
	return StateIdle
}

func (s *Service) publish(kind LifecycleKind, id, partner, reason string) {
	s.sink.Publish(LifecycleEvent{
		Kind:      kind,
		ConnID:    id,
		PartnerID: partner,
		Reason:    reason,
		At:        s.now(),
	})
}

func (s *Service) syncGauges() {
	s.metrics.Matching.Waiting.Set(float64(s.pool.Len()))
	s.metrics.Matching.Pairs.Set(float64(s.pairs.Len()))
}
