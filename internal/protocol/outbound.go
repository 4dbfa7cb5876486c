package protocol

import "encoding/json"

// Outbound message types that are not produced by the matching core.
const (
	TypeReceiveMessage = "receive-message"
	TypePremiumStatus  = "premium-status"
	TypePong           = "pong"
	TypeError          = "error"
)

// OfferRelay is an offer as delivered to its target.
type OfferRelay struct {
	Offer json.RawMessage `json:"offer"`
	From  string          `json:"from"`
}

func (OfferRelay) MessageType() string { return TypeOffer }

type AnswerRelay struct {
	Answer json.RawMessage `json:"answer"`
	From   string          `json:"from"`
}

func (AnswerRelay) MessageType() string { return TypeAnswer }

type NegotiationNeededRelay struct {
	Offer json.RawMessage `json:"offer"`
	From  string          `json:"from"`
}

func (NegotiationNeededRelay) MessageType() string { return TypeNegotiationNeeded }

// NegotiationDoneRelay carries the sender's id in To. Existing clients read
// the field under that name.
type NegotiationDoneRelay struct {
	Answer json.RawMessage `json:"answer"`
	To     string          `json:"to"`
}

func (NegotiationDoneRelay) MessageType() string { return TypeNegotiationDone }

type ICECandidateRelay struct {
	Candidate json.RawMessage `json:"candidate"`
	SourceID  string          `json:"sourceId"`
}

func (ICECandidateRelay) MessageType() string { return TypeICECandidate }

type MessageRelay struct {
	Message  json.RawMessage `json:"message"`
	SourceID string          `json:"sourceId"`
}

func (MessageRelay) MessageType() string { return TypeReceiveMessage }

type PremiumStatusRelay struct {
	IsPremium bool   `json:"isPremium"`
	SourceID  string `json:"sourceId"`
}

func (PremiumStatusRelay) MessageType() string { return TypePremiumStatus }

// Pong answers an application level ping with the server time in ms.
type Pong struct {
	TS int64 `json:"ts"`
}

func (Pong) MessageType() string { return TypePong }

// Error reports a rejected inbound message. No shared state was touched.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (Error) MessageType() string { return TypeError }
