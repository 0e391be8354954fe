// Package signature tracks dual-signature convergence on a generated
// contract: each party uploads its signed copy independently; once both have,
// the contract is fully executed.
package signature

import (
	"context"
	"errors"
	"time"

	"github.com/cgonzalosoriano/compraElectrica-sub000/pkg/domain"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/engine"

	"github.com/rs/zerolog"
)

type Store interface {
	GetRelationship(ctx context.Context, relationshipID string) (domain.Relationship, error)
	SetRelationshipStatus(ctx context.Context, relationshipID string, status domain.RelationshipStatus) error
	ListClauses(ctx context.Context, relationshipID string) ([]domain.ClauseNegotiation, error)
	CreateSignatureStateIfAbsent(ctx context.Context, st domain.SignatureState) (bool, error)
	GetSignatureState(ctx context.Context, relationshipID string) (domain.SignatureState, error)
	UpdateSignatureState(ctx context.Context, st domain.SignatureState, expectedVersion int) error
	AddEvent(ctx context.Context, relationshipID, typ, actorID string, payload map[string]any) error
}

// DocumentGenerator produces the contract document from the agreed terms.
// Invoked only once readiness holds.
type DocumentGenerator interface {
	GenerateContractDocument(ctx context.Context, relationshipID string, agreedTerms domain.Terms) (string, error)
}

type Tracker struct {
	store  Store
	docs   DocumentGenerator
	notif  engine.Notifier
	logger zerolog.Logger
	now    func() time.Time
}

func New(st Store, docs DocumentGenerator, n engine.Notifier, logger zerolog.Logger) *Tracker {
	return &Tracker{store: st, docs: docs, notif: n, logger: logger, now: time.Now}
}

func (t *Tracker) relationshipFor(ctx context.Context, relationshipID string, actor engine.Actor) (domain.Relationship, error) {
	rel, err := t.store.GetRelationship(ctx, relationshipID)
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

// GenerateContract produces the contract document once all clauses settled
// and opens the signature state. Repeat calls return the existing state
// without invoking the generator again; the insert guard in the store keeps
// generation exactly-once even across concurrent callers.
func (t *Tracker) GenerateContract(ctx context.Context, relationshipID string, actor engine.Actor) (domain.SignatureState, error) {
	rel, err := t.relationshipFor(ctx, relationshipID, actor)
	if err != nil {
		return domain.SignatureState{}, err
	}
	if st, err := t.store.GetSignatureState(ctx, relationshipID); err == nil {
		return st, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.SignatureState{}, &domain.UpstreamError{Op: "get signature state", Err: err}
	}

	clauses, err := t.store.ListClauses(ctx, relationshipID)
	if err != nil {
		return domain.SignatureState{}, &domain.UpstreamError{Op: "list clauses", Err: err}
	}
	if r := domain.ComputeReadiness(clauses); !r.Ready {
		return domain.SignatureState{}, domain.ErrNotReady
	}
	agreed := domain.Terms{}
	for _, c := range clauses {
		agreed[c.ClauseType] = c.AgreedValue()
	}

	docRef, err := t.docs.GenerateContractDocument(ctx, relationshipID, agreed)
	if err != nil {
		return domain.SignatureState{}, &domain.UpstreamError{Op: "generate contract document", Err: err}
	}

	created, err := t.store.CreateSignatureStateIfAbsent(ctx, domain.SignatureState{
		RelationshipID: relationshipID,
		DocumentRef:    docRef,
	})
	if err != nil {
		return domain.SignatureState{}, &domain.UpstreamError{Op: "create signature state", Err: err}
	}
	if created {
		if err := t.store.SetRelationshipStatus(ctx, relationshipID, domain.RelContractGenerated); err != nil {
			return domain.SignatureState{}, &domain.UpstreamError{Op: "set relationship status", Err: err}
		}
		_ = t.store.AddEvent(ctx, relationshipID, "CONTRACT_GENERATED", actor.UserID, map[string]any{"document_ref": docRef})
		t.notifyBoth(ctx, rel, "CONTRACT_GENERATED", map[string]any{"document_ref": docRef})
	}
	st, err := t.store.GetSignatureState(ctx, relationshipID)
	if err != nil {
		return domain.SignatureState{}, &domain.UpstreamError{Op: "get signature state", Err: err}
	}
	return st, nil
}

// RecordSignature marks the actor's signed copy as received. The caller must
// have uploaded the document already; documentRef points at the stored copy.
// A party signs at most once; flags never revert.
func (t *Tracker) RecordSignature(ctx context.Context, relationshipID string, actor engine.Actor, documentRef string) (domain.SignatureState, error) {
	rel, err := t.relationshipFor(ctx, relationshipID, actor)
	if err != nil {
		return domain.SignatureState{}, err
	}
	if documentRef == "" {
		return domain.SignatureState{}, &domain.ValidationError{Field: "document_ref", Reason: "must not be empty"}
	}
	st, err := t.store.GetSignatureState(ctx, relationshipID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SignatureState{}, err
		}
		return domain.SignatureState{}, &domain.UpstreamError{Op: "get signature state", Err: err}
	}
	if st.Signed(actor.Party) {
		return domain.SignatureState{}, domain.ErrAlreadySigned
	}

	signedAt := t.now().UTC()
	if actor.Party == domain.PartyClient {
		st.ClientSigned = true
		st.ClientSignedAt = &signedAt
		st.ClientDocumentRef = documentRef
	} else {
		st.ProviderSigned = true
		st.ProviderSignedAt = &signedAt
		st.ProviderDocumentRef = documentRef
	}
	expected := st.Version
	if err := t.store.UpdateSignatureState(ctx, st, expected); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.SignatureState{}, err
		}
		return domain.SignatureState{}, &domain.UpstreamError{Op: "update signature state", Err: err}
	}
	st.Version = expected + 1

	_ = t.store.AddEvent(ctx, relationshipID, "SIGNATURE_RECORDED", actor.UserID, map[string]any{
		"party":        actor.Party,
		"document_ref": documentRef,
	})

	if st.Phase() == domain.FullyExecuted {
		if err := t.store.SetRelationshipStatus(ctx, relationshipID, domain.RelFullyExecuted); err != nil {
			return domain.SignatureState{}, &domain.UpstreamError{Op: "set relationship status", Err: err}
		}
		_ = t.store.AddEvent(ctx, relationshipID, "CONTRACT_FULLY_EXECUTED", actor.UserID, map[string]any{})
		t.notifyBoth(ctx, rel, "CONTRACT_FULLY_EXECUTED", map[string]any{})
	} else {
		recipient := rel.PartyUser(actor.Party.Counterparty())
		if err := t.notif.Notify(ctx, recipient, "SIGNATURE_RECORDED", map[string]any{"party": string(actor.Party)}); err != nil {
			t.logger.Warn().Err(err).Str("relationship_id", relationshipID).Msg("signature notification failed")
		}
	}
	return st, nil
}

// PartyStatus is one side of the signature projection.
type PartyStatus struct {
	Signed                      bool       `json:"signed"`
	SignedAt                    *time.Time `json:"signed_at,omitempty"`
	DocumentRef                 string     `json:"document_ref,omitempty"`
	CanDownloadCounterpartyCopy bool       `json:"can_download_counterparty_copy"`
}

// Status is the read-only projection driving the download / countersign /
// re-upload flow in the UI.
type Status struct {
	RelationshipID    string                `json:"relationship_id"`
	Phase             domain.SignaturePhase `json:"phase"`
	DocumentRef       string                `json:"document_ref"`
	BothPartiesSigned bool                  `json:"both_parties_signed"`
	Client            PartyStatus           `json:"client"`
	Provider          PartyStatus           `json:"provider"`
}

func (t *Tracker) SignatureStatus(ctx context.Context, relationshipID string) (Status, error) {
	st, err := t.store.GetSignatureState(ctx, relationshipID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Status{}, err
		}
		return Status{}, &domain.UpstreamError{Op: "get signature state", Err: err}
	}
	return Status{
		RelationshipID:    st.RelationshipID,
		Phase:             st.Phase(),
		DocumentRef:       st.DocumentRef,
		BothPartiesSigned: st.ClientSigned && st.ProviderSigned,
		Client: PartyStatus{
			Signed:                      st.ClientSigned,
			SignedAt:                    st.ClientSignedAt,
			DocumentRef:                 st.ClientDocumentRef,
			CanDownloadCounterpartyCopy: st.CanDownloadCounterpartyCopy(domain.PartyClient),
		},
		Provider: PartyStatus{
			Signed:                      st.ProviderSigned,
			SignedAt:                    st.ProviderSignedAt,
			DocumentRef:                 st.ProviderDocumentRef,
			CanDownloadCounterpartyCopy: st.CanDownloadCounterpartyCopy(domain.PartyProvider),
		},
	}, nil
}

func (t *Tracker) notifyBoth(ctx context.Context, rel domain.Relationship, event string, payload map[string]any) {
	for _, recipient := range []string{rel.ClientID, rel.ProviderID} {
		if err := t.notif.Notify(ctx, recipient, event, payload); err != nil {
			t.logger.Warn().Err(err).
				Str("relationship_id", rel.RelationshipID).
				Str("recipient", recipient).
				Str("event", event).
				Msg("notification failed")
		}
	}
}
