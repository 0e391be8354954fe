package domain

import (
	"strings"
	"time"
)

type ClauseType string

const (
	ClauseEnergyPrice     ClauseType = "ENERGY_PRICE"
	ClausePowerPrice      ClauseType = "POWER_PRICE"
	ClauseTerm            ClauseType = "TERM"
	ClausePaymentTerms    ClauseType = "PAYMENT_TERMS"
	ClauseGuarantees      ClauseType = "GUARANTEES"
	ClauseVolume          ClauseType = "VOLUME"
	ClauseOtherConditions ClauseType = "OTHER_CONDITIONS"
)

// AllClauseTypes is the closed set of negotiable clauses, in contract order.
var AllClauseTypes = []ClauseType{
	ClauseEnergyPrice,
	ClausePowerPrice,
	ClauseTerm,
	ClausePaymentTerms,
	ClauseGuarantees,
	ClauseVolume,
	ClauseOtherConditions,
}

func ParseClauseType(s string) (ClauseType, bool) {
	ct := ClauseType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllClauseTypes {
		if ct == known {
			return ct, true
		}
	}
	return "", false
}

type ClauseStatus string

const (
	ClausePending     ClauseStatus = "PENDING"
	ClauseNegotiating ClauseStatus = "NEGOTIATING"
	ClauseAccepted    ClauseStatus = "ACCEPTED"
	ClauseAgreed      ClauseStatus = "AGREED"
	ClauseRejected    ClauseStatus = "REJECTED"
)

// Terminal reports whether no further transition is permitted.
func (s ClauseStatus) Terminal() bool {
	return s == ClauseAccepted || s == ClauseAgreed || s == ClauseRejected
}

// Settled reports a terminal state that counts toward readiness.
// ACCEPTED means the responder took the value as offered/proposed;
// AGREED means settlement via an explicit counter-value.
func (s ClauseStatus) Settled() bool {
	return s == ClauseAccepted || s == ClauseAgreed
}

type Party string

const (
	PartyClient   Party = "CLIENT"
	PartyProvider Party = "PROVIDER"
)

func ParseParty(s string) (Party, bool) {
	switch Party(strings.ToUpper(strings.TrimSpace(s))) {
	case PartyClient:
		return PartyClient, true
	case PartyProvider:
		return PartyProvider, true
	}
	return "", false
}

func (p Party) Counterparty() Party {
	if p == PartyClient {
		return PartyProvider
	}
	return PartyClient
}

type Decision string

const (
	DecisionAccept  Decision = "ACCEPT"
	DecisionCounter Decision = "COUNTER"
	DecisionReject  Decision = "REJECT"
)

func ParseDecision(s string) (Decision, bool) {
	switch Decision(strings.ToUpper(strings.TrimSpace(s))) {
	case DecisionAccept:
		return DecisionAccept, true
	case DecisionCounter:
		return DecisionCounter, true
	case DecisionReject:
		return DecisionReject, true
	}
	return "", false
}

// ClauseNegotiation is one negotiable term of a contractual relationship.
// OriginalValue is snapshotted at initialization and never mutates.
// Version backs the per-clause optimistic concurrency check: a transition
// persists only if the stored version still matches the one it loaded.
type ClauseNegotiation struct {
	NegotiationID  string     `json:"negotiation_id"`
	RelationshipID string     `json:"relationship_id"`
	ClauseType     ClauseType `json:"clause_type"`
	OriginalValue  string     `json:"original_value"`

	Status ClauseStatus `json:"status"`

	ProposedValue string `json:"proposed_value,omitempty"`
	ProposalNote  string `json:"proposal_note,omitempty"`
	ProposedBy    Party  `json:"proposed_by,omitempty"`

	CounterResponse  string `json:"counter_response,omitempty"`
	ResponseNote     string `json:"response_note,omitempty"`
	FinalAgreedValue string `json:"final_agreed_value,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgreedValue is the value the generated contract carries for this clause.
func (c ClauseNegotiation) AgreedValue() string {
	if c.FinalAgreedValue != "" {
		return c.FinalAgreedValue
	}
	return c.OriginalValue
}

// ValidateAccept checks PENDING → ACCEPTED for the given actor.
func ValidateAccept(c ClauseNegotiation, actor Party) error {
	if c.Status != ClausePending {
		return &TransitionError{ClauseType: c.ClauseType, From: c.Status, Attempted: "accept"}
	}
	return nil
}

// ValidatePropose checks PENDING → NEGOTIATING with a non-empty proposal.
func ValidatePropose(c ClauseNegotiation, actor Party, proposedValue string) error {
	if strings.TrimSpace(proposedValue) == "" {
		return &ValidationError{Field: "proposed_value", Reason: "must not be empty"}
	}
	if c.Status != ClausePending {
		return &TransitionError{ClauseType: c.ClauseType, From: c.Status, Attempted: "propose"}
	}
	return nil
}

// ValidateReject checks {PENDING,NEGOTIATING} → REJECTED.
func ValidateReject(c ClauseNegotiation, actor Party) error {
	if c.Status != ClausePending && c.Status != ClauseNegotiating {
		return &TransitionError{ClauseType: c.ClauseType, From: c.Status, Attempted: "reject"}
	}
	return nil
}

// ValidateRespond checks that a NEGOTIATING clause is answered by the party
// that did not initiate the proposal, with a counter value when countering.
func ValidateRespond(c ClauseNegotiation, actor Party, decision Decision, counterValue string) error {
	if c.Status != ClauseNegotiating {
		return &TransitionError{ClauseType: c.ClauseType, From: c.Status, Attempted: "respond"}
	}
	if actor == c.ProposedBy {
		return &ActorError{Party: actor, Reason: "awaiting response from the counterparty"}
	}
	if decision == DecisionCounter && strings.TrimSpace(counterValue) == "" {
		return &ValidationError{Field: "counter_value", Reason: "must not be empty for COUNTER"}
	}
	return nil
}

// Readiness is the aggregate settlement picture of a relationship.
// Rejected clauses block readiness permanently and are surfaced distinctly:
// a rejection is a failed negotiation, not something to ignore.
type Readiness struct {
	Ready    bool         `json:"ready"`
	Settled  []ClauseType `json:"settled"`
	Open     []ClauseType `json:"open"`
	Rejected []ClauseType `json:"rejected"`
}

// ComputeReadiness folds clause statuses into the relationship-level
// predicate. An empty clause set is never ready.
func ComputeReadiness(clauses []ClauseNegotiation) Readiness {
	r := Readiness{}
	for _, c := range clauses {
		switch {
		case c.Status.Settled():
			r.Settled = append(r.Settled, c.ClauseType)
		case c.Status == ClauseRejected:
			r.Rejected = append(r.Rejected, c.ClauseType)
		default:
			r.Open = append(r.Open, c.ClauseType)
		}
	}
	r.Ready = len(clauses) > 0 && len(r.Open) == 0 && len(r.Rejected) == 0
	return r
}
