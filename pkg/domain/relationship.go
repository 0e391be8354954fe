package domain

import "time"

type RelationshipStatus string

const (
	RelNegotiating       RelationshipStatus = "NEGOTIATING"
	RelReadyForContract  RelationshipStatus = "READY_FOR_CONTRACT"
	RelContractGenerated RelationshipStatus = "CONTRACT_GENERATED"
	RelFullyExecuted     RelationshipStatus = "FULLY_EXECUTED"
	RelStalled           RelationshipStatus = "STALLED"
)

// Terms is the offered value per clause type, snapshotted from the accepted
// request/quote when the relationship is created. Empty values mean the
// clause is not part of this contract.
type Terms map[ClauseType]string

// Relationship pairs one client request with one provider offer under
// negotiation. The aggregate status is derived from clause statuses after
// every transition; contract generation and signatures move it past
// READY_FOR_CONTRACT.
type Relationship struct {
	RelationshipID string             `json:"relationship_id"`
	ClientID       string             `json:"client_id"`
	ProviderID     string             `json:"provider_id"`
	Terms          Terms              `json:"terms"`
	Status         RelationshipStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// PartyUser returns the user id acting as the given party.
func (r Relationship) PartyUser(p Party) string {
	if p == PartyClient {
		return r.ClientID
	}
	return r.ProviderID
}

// AggregateStatus derives the negotiation-phase relationship status from the
// clause set. Statuses past READY_FOR_CONTRACT are owned by the signature
// tracker and are not derived here.
func AggregateStatus(clauses []ClauseNegotiation) RelationshipStatus {
	r := ComputeReadiness(clauses)
	switch {
	case len(r.Rejected) > 0:
		return RelStalled
	case r.Ready:
		return RelReadyForContract
	default:
		return RelNegotiating
	}
}
