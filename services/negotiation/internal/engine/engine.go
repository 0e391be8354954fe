// Package engine implements the clause-by-clause negotiation workflow:
// per-clause accept / propose-change / reject transitions driven by either
// party, with readiness detection over the whole clause set.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cgonzalosoriano/compraElectrica-sub000/pkg/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the persistence collaborator. UpdateClause must apply the write
// only when the stored version still matches expectedVersion and return
// domain.ErrVersionConflict otherwise; that check is what serializes
// concurrent transitions on a single clause.
type Store interface {
	GetRelationship(ctx context.Context, relationshipID string) (domain.Relationship, error)
	SetRelationshipStatus(ctx context.Context, relationshipID string, status domain.RelationshipStatus) error
	CreateClauseIfAbsent(ctx context.Context, c domain.ClauseNegotiation) (bool, error)
	GetClause(ctx context.Context, relationshipID string, clauseType domain.ClauseType) (domain.ClauseNegotiation, error)
	ListClauses(ctx context.Context, relationshipID string) ([]domain.ClauseNegotiation, error)
	UpdateClause(ctx context.Context, c domain.ClauseNegotiation, expectedVersion int) error
	AddEvent(ctx context.Context, relationshipID, typ, actorID string, payload map[string]any) error
}

// Notifier delivers counterparty notifications. Best-effort: the engine logs
// delivery failures and never rolls back a committed transition over one.
type Notifier interface {
	Notify(ctx context.Context, recipientID, event string, payload map[string]any) error
}

// Actor is the calling party. UserID is optional; when present it must match
// the relationship's user for that role.
type Actor struct {
	Party  domain.Party
	UserID string
}

type Engine struct {
	store  Store
	notif  Notifier
	logger zerolog.Logger
}

func New(st Store, n Notifier, logger zerolog.Logger) *Engine {
	return &Engine{store: st, notif: n, logger: logger}
}

func (e *Engine) relationshipFor(ctx context.Context, relationshipID string, actor Actor) (domain.Relationship, error) {
	rel, err := e.store.GetRelationship(ctx, relationshipID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Relationship{}, err
		}
		return domain.Relationship{}, &domain.UpstreamError{Op: "get relationship", Err: err}
	}
	if actor.Party != domain.PartyClient && actor.Party != domain.PartyProvider {
		return domain.Relationship{}, &domain.ActorError{Party: actor.Party, Reason: "not a party to this relationship"}
	}
	if actor.UserID != "" && rel.PartyUser(actor.Party) != actor.UserID {
		return domain.Relationship{}, &domain.ActorError{Party: actor.Party, Reason: "user is not this relationship's " + string(actor.Party)}
	}
	return rel, nil
}

// InitializeClauses creates one PENDING ClauseNegotiation per clause type
// present in the relationship's offered terms, snapshotting each original
// value. Idempotent: existing records are left untouched.
func (e *Engine) InitializeClauses(ctx context.Context, relationshipID string, actor Actor) ([]domain.ClauseNegotiation, error) {
	rel, err := e.relationshipFor(ctx, relationshipID, actor)
	if err != nil {
		return nil, err
	}
	created := 0
	for _, ct := range domain.AllClauseTypes {
		value, ok := rel.Terms[ct]
		if !ok || value == "" {
			continue
		}
		inserted, err := e.store.CreateClauseIfAbsent(ctx, domain.ClauseNegotiation{
			NegotiationID:  "neg_" + uuid.NewString(),
			RelationshipID: relationshipID,
			ClauseType:     ct,
			OriginalValue:  value,
			Status:         domain.ClausePending,
		})
		if err != nil {
			return nil, &domain.UpstreamError{Op: "create clause", Err: err}
		}
		if inserted {
			created++
		}
	}
	if created > 0 {
		_ = e.store.AddEvent(ctx, relationshipID, "CLAUSES_INITIALIZED", actor.UserID, map[string]any{"created": created})
	}
	clauses, err := e.store.ListClauses(ctx, relationshipID)
	if err != nil {
		return nil, &domain.UpstreamError{Op: "list clauses", Err: err}
	}
	return clauses, nil
}

// AcceptClause takes the clause at its offered value. PENDING only.
func (e *Engine) AcceptClause(ctx context.Context, relationshipID string, clauseType domain.ClauseType, actor Actor) (domain.ClauseNegotiation, error) {
	rel, clause, err := e.loadClause(ctx, relationshipID, clauseType, actor)
	if err != nil {
		return domain.ClauseNegotiation{}, err
	}
	// Retry of an applied accept: report current state, notify nobody.
	if clause.Status == domain.ClauseAccepted {
		return clause, nil
	}
	if err := domain.ValidateAccept(clause, actor.Party); err != nil {
		return domain.ClauseNegotiation{}, err
	}
	clause.Status = domain.ClauseAccepted
	return e.commit(ctx, rel, clause, actor, "CLAUSE_ACCEPTED", map[string]any{
		"clause_type": clause.ClauseType,
		"value":       clause.OriginalValue,
	})
}

// ProposeChange opens negotiation on a PENDING clause with the actor's
// proposed value.
func (e *Engine) ProposeChange(ctx context.Context, relationshipID string, clauseType domain.ClauseType, actor Actor, proposedValue, note string) (domain.ClauseNegotiation, error) {
	rel, clause, err := e.loadClause(ctx, relationshipID, clauseType, actor)
	if err != nil {
		return domain.ClauseNegotiation{}, err
	}
	if clause.Status == domain.ClauseNegotiating && clause.ProposedBy == actor.Party && clause.ProposedValue == proposedValue {
		return clause, nil
	}
	if err := domain.ValidatePropose(clause, actor.Party, proposedValue); err != nil {
		return domain.ClauseNegotiation{}, err
	}
	clause.Status = domain.ClauseNegotiating
	clause.ProposedValue = proposedValue
	clause.ProposalNote = note
	clause.ProposedBy = actor.Party
	return e.commit(ctx, rel, clause, actor, "CHANGE_PROPOSED", map[string]any{
		"clause_type":    clause.ClauseType,
		"proposed_value": proposedValue,
	})
}

// RejectClause terminally rejects a PENDING or NEGOTIATING clause, stalling
// readiness for the whole relationship.
func (e *Engine) RejectClause(ctx context.Context, relationshipID string, clauseType domain.ClauseType, actor Actor) (domain.ClauseNegotiation, error) {
	rel, clause, err := e.loadClause(ctx, relationshipID, clauseType, actor)
	if err != nil {
		return domain.ClauseNegotiation{}, err
	}
	if clause.Status == domain.ClauseRejected {
		return clause, nil
	}
	if err := domain.ValidateReject(clause, actor.Party); err != nil {
		return domain.ClauseNegotiation{}, err
	}
	clause.Status = domain.ClauseRejected
	return e.commit(ctx, rel, clause, actor, "CLAUSE_REJECTED", map[string]any{
		"clause_type": clause.ClauseType,
	})
}

// RespondToNegotiation answers a pending proposal. Only the party that did
// not initiate the proposal may respond. COUNTER settles the clause at the
// counter value in a single shot: status AGREED, final value = counter.
func (e *Engine) RespondToNegotiation(ctx context.Context, relationshipID string, clauseType domain.ClauseType, actor Actor, decision domain.Decision, counterValue, note string) (domain.ClauseNegotiation, error) {
	rel, clause, err := e.loadClause(ctx, relationshipID, clauseType, actor)
	if err != nil {
		return domain.ClauseNegotiation{}, err
	}
	switch {
	case decision == domain.DecisionAccept && clause.Status == domain.ClauseAccepted && clause.FinalAgreedValue == clause.ProposedValue && clause.ProposedValue != "":
		return clause, nil
	case decision == domain.DecisionCounter && clause.Status == domain.ClauseAgreed && clause.CounterResponse == counterValue:
		return clause, nil
	case decision == domain.DecisionReject && clause.Status == domain.ClauseRejected:
		return clause, nil
	}
	if err := domain.ValidateRespond(clause, actor.Party, decision, counterValue); err != nil {
		return domain.ClauseNegotiation{}, err
	}
	switch decision {
	case domain.DecisionAccept:
		clause.Status = domain.ClauseAccepted
		clause.FinalAgreedValue = clause.ProposedValue
		clause.ResponseNote = note
	case domain.DecisionCounter:
		clause.Status = domain.ClauseAgreed
		clause.CounterResponse = counterValue
		clause.FinalAgreedValue = counterValue
		clause.ResponseNote = note
	case domain.DecisionReject:
		clause.Status = domain.ClauseRejected
		clause.ResponseNote = note
	default:
		return domain.ClauseNegotiation{}, &domain.ValidationError{Field: "decision", Reason: "must be ACCEPT, COUNTER or REJECT"}
	}
	return e.commit(ctx, rel, clause, actor, "NEGOTIATION_RESPONDED", map[string]any{
		"clause_type": clause.ClauseType,
		"decision":    decision,
		"status":      clause.Status,
	})
}

// Readiness reports whether every clause settled (ACCEPTED or AGREED).
// Rejected clauses are surfaced separately; they block readiness for good.
func (e *Engine) Readiness(ctx context.Context, relationshipID string) (domain.Readiness, error) {
	if _, err := e.store.GetRelationship(ctx, relationshipID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Readiness{}, err
		}
		return domain.Readiness{}, &domain.UpstreamError{Op: "get relationship", Err: err}
	}
	clauses, err := e.store.ListClauses(ctx, relationshipID)
	if err != nil {
		return domain.Readiness{}, &domain.UpstreamError{Op: "list clauses", Err: err}
	}
	return domain.ComputeReadiness(clauses), nil
}

// AgreedTerms assembles the value per clause the contract will carry:
// the final agreed value where one was negotiated, the original otherwise.
func (e *Engine) AgreedTerms(ctx context.Context, relationshipID string) (domain.Terms, error) {
	clauses, err := e.store.ListClauses(ctx, relationshipID)
	if err != nil {
		return nil, &domain.UpstreamError{Op: "list clauses", Err: err}
	}
	terms := domain.Terms{}
	for _, c := range clauses {
		terms[c.ClauseType] = c.AgreedValue()
	}
	return terms, nil
}

func (e *Engine) loadClause(ctx context.Context, relationshipID string, clauseType domain.ClauseType, actor Actor) (domain.Relationship, domain.ClauseNegotiation, error) {
	rel, err := e.relationshipFor(ctx, relationshipID, actor)
	if err != nil {
		return domain.Relationship{}, domain.ClauseNegotiation{}, err
	}
	clause, err := e.store.GetClause(ctx, relationshipID, clauseType)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Relationship{}, domain.ClauseNegotiation{}, err
		}
		return domain.Relationship{}, domain.ClauseNegotiation{}, &domain.UpstreamError{Op: "get clause", Err: err}
	}
	return rel, clause, nil
}

// commit persists the transition under the version check, refreshes the
// relationship aggregate, appends the audit event and notifies the
// counterparty. A version conflict means another transition won the race.
func (e *Engine) commit(ctx context.Context, rel domain.Relationship, clause domain.ClauseNegotiation, actor Actor, event string, payload map[string]any) (domain.ClauseNegotiation, error) {
	expected := clause.Version
	if err := e.store.UpdateClause(ctx, clause, expected); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.ClauseNegotiation{}, err
		}
		return domain.ClauseNegotiation{}, &domain.UpstreamError{Op: "update clause", Err: err}
	}
	clause.Version = expected + 1

	if err := e.refreshAggregate(ctx, rel); err != nil {
		return domain.ClauseNegotiation{}, err
	}

	_ = e.store.AddEvent(ctx, rel.RelationshipID, event, actor.UserID, payload)

	recipient := rel.PartyUser(actor.Party.Counterparty())
	if err := e.notif.Notify(ctx, recipient, event, payload); err != nil {
		e.logger.Warn().Err(err).
			Str("relationship_id", rel.RelationshipID).
			Str("recipient", recipient).
			Str("event", event).
			Msg("counterparty notification failed")
	}
	return clause, nil
}

// refreshAggregate recomputes the negotiation-phase relationship status.
// Statuses past READY_FOR_CONTRACT belong to the signature tracker and are
// left alone.
func (e *Engine) refreshAggregate(ctx context.Context, rel domain.Relationship) error {
	switch rel.Status {
	case domain.RelContractGenerated, domain.RelFullyExecuted:
		return nil
	}
	clauses, err := e.store.ListClauses(ctx, rel.RelationshipID)
	if err != nil {
		return &domain.UpstreamError{Op: "list clauses", Err: err}
	}
	status := domain.AggregateStatus(clauses)
	if status == rel.Status {
		return nil
	}
	if err := e.store.SetRelationshipStatus(ctx, rel.RelationshipID, status); err != nil {
		return &domain.UpstreamError{Op: "set relationship status", Err: err}
	}
	return nil
}

// NewRelationship builds a relationship record for the marketplace pairing
// of a client request and a provider offer.
func NewRelationship(clientID, providerID string, terms domain.Terms) (domain.Relationship, error) {
	if clientID == "" || providerID == "" {
		return domain.Relationship{}, &domain.ValidationError{Field: "parties", Reason: "client_id and provider_id are required"}
	}
	hasTerm := false
	for ct, v := range terms {
		if _, ok := domain.ParseClauseType(string(ct)); !ok {
			return domain.Relationship{}, &domain.ValidationError{Field: "terms", Reason: fmt.Sprintf("unknown clause type %q", ct)}
		}
		if v != "" {
			hasTerm = true
		}
	}
	if !hasTerm {
		return domain.Relationship{}, &domain.ValidationError{Field: "terms", Reason: "at least one offered term is required"}
	}
	return domain.Relationship{
		RelationshipID: "rel_" + uuid.NewString(),
		ClientID:       clientID,
		ProviderID:     providerID,
		Terms:          terms,
		Status:         domain.RelNegotiating,
	}, nil
}
