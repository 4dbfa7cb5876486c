package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"odin-roulette-server/internal/matching"
)

// Inbound message types.
const (
	TypeSubmitProfile     = "submit-profile"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeNegotiationNeeded = "negotiation-needed"
	TypeNegotiationDone   = "negotiation-done"
	TypeICECandidate      = "ice-candidate"
	TypeSendMessage       = "send-message"
	TypeSendPremiumStatus = "send-premium-status"
	TypeSkip              = "skip"
	TypePing              = "ping"
)

var (
	ErrMalformed    = errors.New("protocol: malformed message")
	ErrUnknownType  = errors.New("protocol: unknown message type")
	ErrMissingField = errors.New("protocol: missing required field")
	ErrInvalidField = errors.New("protocol: invalid field value")
)

// Envelope is the wire frame for both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is a decoded and validated client message.
type Inbound interface {
	Type() string
}

// Relayable is an inbound message addressed to another connection.
type Relayable interface {
	Inbound
	// Target is the connection id named by the sender.
	Target() string
	// Forward rewrites the message for delivery, stamping the sender id.
	Forward(senderID string) matching.Message
}

// SubmitProfile carries optional matching preferences. Absent fields take
// their defaults; the stored profile is replaced, not merged.
type SubmitProfile struct {
	IsPremium    *bool   `json:"isPremium,omitempty"`
	GenderFilter *string `json:"genderFilter,omitempty"`
	Gender       *string `json:"gender,omitempty"`
	VoiceOnly    *bool   `json:"voiceOnly,omitempty"`
}

func (SubmitProfile) Type() string { return TypeSubmitProfile }

// Profile converts the message. Decode has already validated the enums.
func (m SubmitProfile) Profile() matching.Profile {
	p := matching.Profile{GenderFilter: matching.FilterAny}
	if m.IsPremium != nil {
		p.IsPremium = *m.IsPremium
	}
	if m.VoiceOnly != nil {
		p.VoiceOnly = *m.VoiceOnly
	}
	if m.GenderFilter != nil {
		p.GenderFilter, _ = matching.ParseGenderFilter(*m.GenderFilter)
	}
	if m.Gender != nil {
		p.Gender, _ = matching.ParseGender(*m.Gender)
	}
	return p
}

func (m SubmitProfile) validate() error {
	if m.GenderFilter != nil {
		if _, err := matching.ParseGenderFilter(*m.GenderFilter); err != nil {
			return fmt.Errorf("%w: genderFilter: %v", ErrInvalidField, err)
		}
	}
	if m.Gender != nil {
		if _, err := matching.ParseGender(*m.Gender); err != nil {
			return fmt.Errorf("%w: gender: %v", ErrInvalidField, err)
		}
	}
	return nil
}

type Offer struct {
	Offer json.RawMessage `json:"offer"`
	To    string          `json:"to"`
}

func (Offer) Type() string     { return TypeOffer }
func (m Offer) Target() string { return m.To }
func (m Offer) Forward(senderID string) matching.Message {
	return OfferRelay{Offer: m.Offer, From: senderID}
}

type Answer struct {
	Answer json.RawMessage `json:"answer"`
	To     string          `json:"to"`
}

func (Answer) Type() string     { return TypeAnswer }
func (m Answer) Target() string { return m.To }
func (m Answer) Forward(senderID string) matching.Message {
	return AnswerRelay{Answer: m.Answer, From: senderID}
}

// NegotiationNeeded is a renegotiation offer sent mid-call.
type NegotiationNeeded struct {
	Offer json.RawMessage `json:"offer"`
	To    string          `json:"to"`
}

func (NegotiationNeeded) Type() string     { return TypeNegotiationNeeded }
func (m NegotiationNeeded) Target() string { return m.To }
func (m NegotiationNeeded) Forward(senderID string) matching.Message {
	return NegotiationNeededRelay{Offer: m.Offer, From: senderID}
}

// NegotiationDone answers a renegotiation offer.
type NegotiationDone struct {
	Answer json.RawMessage `json:"answer"`
	To     string          `json:"to"`
}

func (NegotiationDone) Type() string     { return TypeNegotiationDone }
func (m NegotiationDone) Target() string { return m.To }
func (m NegotiationDone) Forward(senderID string) matching.Message {
	return NegotiationDoneRelay{Answer: m.Answer, To: senderID}
}

type ICECandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	TargetID  string          `json:"targetId"`
}

func (ICECandidate) Type() string     { return TypeICECandidate }
func (m ICECandidate) Target() string { return m.TargetID }
func (m ICECandidate) Forward(senderID string) matching.Message {
	return ICECandidateRelay{Candidate: m.Candidate, SourceID: senderID}
}

// SendMessage is an application text/chat message for the partner.
type SendMessage struct {
	Message  json.RawMessage `json:"message"`
	TargetID string          `json:"targetId"`
}

func (SendMessage) Type() string     { return TypeSendMessage }
func (m SendMessage) Target() string { return m.TargetID }
func (m SendMessage) Forward(senderID string) matching.Message {
	return MessageRelay{Message: m.Message, SourceID: senderID}
}

type SendPremiumStatus struct {
	IsPremium *bool  `json:"isPremium"`
	TargetID  string `json:"targetId"`
}

func (SendPremiumStatus) Type() string     { return TypeSendPremiumStatus }
func (m SendPremiumStatus) Target() string { return m.TargetID }
func (m SendPremiumStatus) Forward(senderID string) matching.Message {
	return PremiumStatusRelay{IsPremium: *m.IsPremium, SourceID: senderID}
}

type Skip struct{}

func (Skip) Type() string { return TypeSkip }

type Ping struct{}

func (Ping) Type() string { return TypePing }

// Decode parses one frame and validates routing fields. It never returns a
// partially valid message.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}

	msg, err := decode(env)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decode(env Envelope) (Inbound, error) {
	switch env.Type {
	case TypeSubmitProfile:
		var m SubmitProfile
		if err := decodeData(env.Data, &m, false); err != nil {
			return nil, err
		}
		if err := m.validate(); err != nil {
			return nil, err
		}
		return m, nil

	case TypeOffer:
		var m Offer
		if err := decodeData(env.Data, &m, true); err != nil {
			return nil, err
		}
		return m, requireFields(field{"to", m.To != ""}, field{"offer", present(m.Offer)})

	case TypeAnswer:
		var m Answer
		if err := decodeData(env.Data, &m, true); err != nil {
			return nil, err
		}
		return m, requireFields(field{"to", m.To != ""}, field{"answer", present(m.Answer)})

	case TypeNegotiationNeeded:
		var m NegotiationNeeded
		if err := decodeData(env.Data, &m, true); err != nil {
			return nil, err
		}
		return m, requireFields(field{"to", m.To != ""}, field{"offer", present(m.Offer)})

	case TypeNegotiationDone:
		var m NegotiationDone
		if err := decodeData(env.Data, &m, true); err != nil {
			return nil, err
		}
		return m, requireFields(field{"to", m.To != ""}, field{"answer", present(m.Answer)})

	case TypeICECandidate:
		var m ICECandidate
		if err := decodeData(env.Data, &m, true); err != nil {
			return nil, err
		}
		return m, requireFields(field{"targetId", m.TargetID != ""}, field{"candidate", present(m.Candidate)})

	case TypeSendMessage:
		var m SendMessage
		if err := decodeData(env.Data, &m, true); err != nil {
			return nil, err
		}
		return m, requireFields(field{"targetId", m.TargetID != ""}, field{"message", present(m.Message)})

	case TypeSendPremiumStatus:
		var m SendPremiumStatus
		if err := decodeData(env.Data, &m, true); err != nil {
			return nil, err
		}
		return m, requireFields(field{"targetId", m.TargetID != ""}, field{"isPremium", m.IsPremium != nil})

	case TypeSkip:
		return Skip{}, nil

	case TypePing:
		return Ping{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// Encode wraps msg in an Envelope.
func Encode(msg matching.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: msg.MessageType(), Data: data})
}

// Reason maps a Decode error onto a short code for metrics and error replies.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrInvalidField):
		return "invalid_field"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	}
	return "internal"
}

type field struct {
	name string
	ok   bool
}

// requireFields reports the first missing field.
func requireFields(fields ...field) error {
	for _, f := range fields {
		if !f.ok {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	return nil
}

func decodeData(data json.RawMessage, v any, required bool) error {
	if !present(data) {
		if required {
			return fmt.Errorf("%w: data", ErrMissingField)
		}
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	return nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
