package main

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/cgonzalosoriano/compraElectrica-sub000/pkg/domain"
	"github.com/cgonzalosoriano/compraElectrica-sub000/pkg/httpx"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/docsclient"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/engine"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/idempotency"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/signature"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type relationshipStore interface {
	CreateRelationship(ctx context.Context, rel domain.Relationship) error
	GetRelationship(ctx context.Context, relationshipID string) (domain.Relationship, error)
	ListClauses(ctx context.Context, relationshipID string) ([]domain.ClauseNegotiation, error)
	ListEvents(ctx context.Context, relationshipID string) ([]map[string]any, error)
	AddEvent(ctx context.Context, relationshipID, typ, actorID string, payload map[string]any) error
	idempotency.Store
}

type documentStore interface {
	UploadSignedDocument(ctx context.Context, relationshipID string, party domain.Party, content []byte) (string, error)
	DownloadSignedDocument(ctx context.Context, relationshipID string, party domain.Party) ([]byte, error)
}

type server struct {
	store   relationshipStore
	eng     *engine.Engine
	tracker *signature.Tracker
	docs    documentStore
	limiter *fixedWindowLimiter
	cfg     serverConfig
	logger  zerolog.Logger
}

type actorContext struct {
	Party          string `json:"party"`
	ActorID        string `json:"actor_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *server) actorFrom(ac actorContext) (engine.Actor, error) {
	party, ok := domain.ParseParty(ac.Party)
	if !ok {
		return engine.Actor{}, &domain.ActorError{Party: domain.Party(ac.Party), Reason: "party must be CLIENT or PROVIDER"}
	}
	return engine.Actor{Party: party, UserID: ac.ActorID}, nil
}

func (s *server) routes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/negotiation", func(api chi.Router) {
		api.Post("/relationships", s.createRelationship)
		api.Get("/relationships/{relationship_id}", s.getRelationship)
		api.Post("/relationships/{relationship_id}/clauses:initialize", s.initializeClauses)
		api.Get("/relationships/{relationship_id}/clauses", s.listClauses)
		api.Post("/relationships/{relationship_id}/clauses/{clause_type}:accept", s.acceptClause)
		api.Post("/relationships/{relationship_id}/clauses/{clause_type}:propose", s.proposeChange)
		api.Post("/relationships/{relationship_id}/clauses/{clause_type}:reject", s.rejectClause)
		api.Post("/relationships/{relationship_id}/clauses/{clause_type}:respond", s.respondToNegotiation)
		api.Get("/relationships/{relationship_id}/readiness", s.readiness)
		api.Post("/relationships/{relationship_id}/contract:generate", s.generateContract)
		api.Post("/relationships/{relationship_id}/signatures/{party}", s.uploadSignature)
		api.Get("/relationships/{relationship_id}/signatures", s.signatureStatus)
		api.Get("/relationships/{relationship_id}/signatures/{party}/document", s.downloadSignedCopy)
		api.Get("/relationships/{relationship_id}/events", s.listEvents)
	})
}

func (s *server) createRelationship(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID   string            `json:"client_id"`
		ProviderID string            `json:"provider_id"`
		Terms      map[string]string `json:"terms"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	terms := domain.Terms{}
	for k, v := range req.Terms {
		terms[domain.ClauseType(strings.ToUpper(strings.TrimSpace(k)))] = v
	}
	rel, err := engine.NewRelationship(req.ClientID, req.ProviderID, terms)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	if err := s.store.CreateRelationship(r.Context(), rel); err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	_ = s.store.AddEvent(r.Context(), rel.RelationshipID, "RELATIONSHIP_CREATED", req.ClientID, map[string]any{})
	httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "relationship": rel})
}

func (s *server) getRelationship(w http.ResponseWriter, r *http.Request) {
	rel, err := s.store.GetRelationship(r.Context(), chi.URLParam(r, "relationship_id"))
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "relationship": rel})
}

func (s *server) initializeClauses(w http.ResponseWriter, r *http.Request) {
	relationshipID := chi.URLParam(r, "relationship_id")
	var req struct {
		ActorContext actorContext `json:"actor_context"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	actor, err := s.actorFrom(req.ActorContext)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	clauses, err := s.eng.InitializeClauses(r.Context(), relationshipID, actor)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "clauses": clauses})
}

func (s *server) listClauses(w http.ResponseWriter, r *http.Request) {
	relationshipID := chi.URLParam(r, "relationship_id")
	if _, err := s.store.GetRelationship(r.Context(), relationshipID); err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	clauses, err := s.store.ListClauses(r.Context(), relationshipID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "clauses": clauses})
}

func clauseTypeParam(r *http.Request) (domain.ClauseType, error) {
	ct, ok := domain.ParseClauseType(chi.URLParam(r, "clause_type"))
	if !ok {
		return "", &domain.ValidationError{Field: "clause_type", Reason: "unknown clause type"}
	}
	return ct, nil
}

// transition wraps a clause transition endpoint with idempotency-key replay:
// a retried request with the same key returns the recorded response instead
// of re-running the transition.
func (s *server) transition(w http.ResponseWriter, r *http.Request, ac actorContext, endpoint string,
	run func(ctx context.Context, actor engine.Actor) (domain.ClauseNegotiation, error)) {
	relationshipID := chi.URLParam(r, "relationship_id")
	actor, err := s.actorFrom(ac)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	idemActor := idempotency.ActorContext{
		RelationshipID: relationshipID,
		ActorID:        ac.ActorID,
		IdempotencyKey: ac.IdempotencyKey,
	}
	if status, body, found, err := idempotency.Replay(r.Context(), s.store, idemActor, endpoint); err == nil && found {
		httpx.WriteJSON(w, status, body)
		return
	}
	clause, err := run(r.Context(), actor)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	resp := map[string]any{"request_id": httpx.NewRequestID(), "clause": clause}
	if err := idempotency.Save(r.Context(), s.store, idemActor, endpoint, 200, resp); err != nil {
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("idempotency record not saved")
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *server) acceptClause(w http.ResponseWriter, r *http.Request) {
	ct, err := clauseTypeParam(r)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	var req struct {
		ActorContext actorContext `json:"actor_context"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	s.transition(w, r, req.ActorContext, "clauses:accept:"+string(ct), func(ctx context.Context, actor engine.Actor) (domain.ClauseNegotiation, error) {
		return s.eng.AcceptClause(ctx, chi.URLParam(r, "relationship_id"), ct, actor)
	})
}

func (s *server) proposeChange(w http.ResponseWriter, r *http.Request) {
	ct, err := clauseTypeParam(r)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	var req struct {
		ActorContext  actorContext `json:"actor_context"`
		ProposedValue string       `json:"proposed_value"`
		Note          string       `json:"note,omitempty"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	s.transition(w, r, req.ActorContext, "clauses:propose:"+string(ct), func(ctx context.Context, actor engine.Actor) (domain.ClauseNegotiation, error) {
		return s.eng.ProposeChange(ctx, chi.URLParam(r, "relationship_id"), ct, actor, req.ProposedValue, req.Note)
	})
}

func (s *server) rejectClause(w http.ResponseWriter, r *http.Request) {
	ct, err := clauseTypeParam(r)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	var req struct {
		ActorContext actorContext `json:"actor_context"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	s.transition(w, r, req.ActorContext, "clauses:reject:"+string(ct), func(ctx context.Context, actor engine.Actor) (domain.ClauseNegotiation, error) {
		return s.eng.RejectClause(ctx, chi.URLParam(r, "relationship_id"), ct, actor)
	})
}

func (s *server) respondToNegotiation(w http.ResponseWriter, r *http.Request) {
	ct, err := clauseTypeParam(r)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	var req struct {
		ActorContext actorContext `json:"actor_context"`
		Decision     string       `json:"decision"`
		CounterValue string       `json:"counter_value,omitempty"`
		Note         string       `json:"note,omitempty"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	decision, ok := domain.ParseDecision(req.Decision)
	if !ok {
		httpx.WriteDomainError(w, &domain.ValidationError{Field: "decision", Reason: "must be ACCEPT, COUNTER or REJECT"})
		return
	}
	s.transition(w, r, req.ActorContext, "clauses:respond:"+string(ct), func(ctx context.Context, actor engine.Actor) (domain.ClauseNegotiation, error) {
		return s.eng.RespondToNegotiation(ctx, chi.URLParam(r, "relationship_id"), ct, actor, decision, req.CounterValue, req.Note)
	})
}

func (s *server) readiness(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.Readiness(r.Context(), chi.URLParam(r, "relationship_id"))
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "readiness": res})
}

func (s *server) generateContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorContext actorContext `json:"actor_context"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	actor, err := s.actorFrom(req.ActorContext)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	st, err := s.tracker.GenerateContract(r.Context(), chi.URLParam(r, "relationship_id"), actor)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "signature_state": st})
}

// uploadSignature takes a multipart PDF, stores it, then records the
// signature. Upload success is a precondition: a storage failure records
// nothing and the user retries the whole upload.
func (s *server) uploadSignature(w http.ResponseWriter, r *http.Request) {
	relationshipID := chi.URLParam(r, "relationship_id")
	party, ok := domain.ParseParty(chi.URLParam(r, "party"))
	if !ok {
		httpx.WriteDomainError(w, &domain.ActorError{Party: domain.Party(chi.URLParam(r, "party")), Reason: "party must be CLIENT or PROVIDER"})
		return
	}
	if !s.limiter.Allow(relationshipID + ":" + string(party)) {
		httpx.WriteError(w, 429, "RATE_LIMITED", "too many uploads, retry later", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		httpx.WriteError(w, 413, "PAYLOAD_TOO_LARGE", err.Error(), nil)
		return
	}
	file, header, err := r.FormFile("document")
	if err != nil {
		httpx.WriteDomainError(w, &domain.ValidationError{Field: "document", Reason: "signed PDF file is required"})
		return
	}
	defer file.Close()
	content, err := readDocument(file, header)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	actor := engine.Actor{Party: party, UserID: strings.TrimSpace(r.FormValue("actor_id"))}

	storageRef, err := s.docs.UploadSignedDocument(r.Context(), relationshipID, party, content)
	if err != nil {
		httpx.WriteDomainError(w, &domain.UpstreamError{Op: "upload signed document", Err: err})
		return
	}
	st, err := s.tracker.RecordSignature(r.Context(), relationshipID, actor, storageRef)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "signature_state": st})
}

func readDocument(file multipart.File, header *multipart.FileHeader) ([]byte, error) {
	if ct := header.Header.Get("Content-Type"); ct != "" && ct != "application/pdf" {
		return nil, &domain.ValidationError{Field: "document", Reason: "only application/pdf is accepted"}
	}
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, &domain.ValidationError{Field: "document", Reason: err.Error()}
	}
	if !docsclient.IsPDF(content) {
		return nil, &domain.ValidationError{Field: "document", Reason: "content is not a PDF"}
	}
	return content, nil
}

func (s *server) signatureStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.SignatureStatus(r.Context(), chi.URLParam(r, "relationship_id"))
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "signature_status": st})
}

// downloadSignedCopy serves {party}'s signed copy. A caller may always fetch
// its own copy; the counterparty's copy unlocks once that party has signed.
func (s *server) downloadSignedCopy(w http.ResponseWriter, r *http.Request) {
	relationshipID := chi.URLParam(r, "relationship_id")
	target, ok := domain.ParseParty(chi.URLParam(r, "party"))
	if !ok {
		httpx.WriteDomainError(w, &domain.ValidationError{Field: "party", Reason: "party must be CLIENT or PROVIDER"})
		return
	}
	if _, ok := domain.ParseParty(r.URL.Query().Get("requester")); !ok {
		httpx.WriteDomainError(w, &domain.ValidationError{Field: "requester", Reason: "requester must be CLIENT or PROVIDER"})
		return
	}
	status, err := s.tracker.SignatureStatus(r.Context(), relationshipID)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	signed := status.Client.Signed
	if target == domain.PartyProvider {
		signed = status.Provider.Signed
	}
	if !signed {
		httpx.WriteError(w, 404, "NOT_FOUND", "no signed copy for "+string(target), nil)
		return
	}
	content, err := s.docs.DownloadSignedDocument(r.Context(), relationshipID, target)
	if err != nil {
		httpx.WriteDomainError(w, &domain.UpstreamError{Op: "download signed document", Err: err})
		return
	}
	w.Header().Set("content-type", "application/pdf")
	w.WriteHeader(200)
	_, _ = w.Write(content)
}

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	relationshipID := chi.URLParam(r, "relationship_id")
	if _, err := s.store.GetRelationship(r.Context(), relationshipID); err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), relationshipID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "events": events})
}
