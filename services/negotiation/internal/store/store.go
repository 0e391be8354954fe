package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cgonzalosoriano/compraElectrica-sub000/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) CreateRelationship(ctx context.Context, rel domain.Relationship) error {
	terms, _ := json.Marshal(rel.Terms)
	_, err := s.DB.Exec(ctx, `
INSERT INTO negotiation_relationships(relationship_id,client_id,provider_id,terms,status)
VALUES($1,$2,$3,$4::jsonb,$5)
`, rel.RelationshipID, rel.ClientID, rel.ProviderID, string(terms), string(rel.Status))
	return err
}

func (s *Store) GetRelationship(ctx context.Context, relationshipID string) (domain.Relationship, error) {
	var rel domain.Relationship
	var status string
	var terms []byte
	err := s.DB.QueryRow(ctx, `
SELECT relationship_id,client_id,provider_id,terms,status,created_at,updated_at
FROM negotiation_relationships WHERE relationship_id=$1
`, relationshipID).Scan(&rel.RelationshipID, &rel.ClientID, &rel.ProviderID, &terms, &status, &rel.CreatedAt, &rel.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Relationship{}, domain.ErrNotFound
		}
		return domain.Relationship{}, err
	}
	rel.Status = domain.RelationshipStatus(status)
	_ = json.Unmarshal(terms, &rel.Terms)
	return rel, nil
}

func (s *Store) SetRelationshipStatus(ctx context.Context, relationshipID string, status domain.RelationshipStatus) error {
	_, err := s.DB.Exec(ctx, `UPDATE negotiation_relationships SET status=$1, updated_at=now() WHERE relationship_id=$2`,
		string(status), relationshipID)
	return err
}

// CreateClauseIfAbsent inserts a clause negotiation unless one already exists
// for (relationship_id, clause_type) and reports whether this call inserted.
// Initialization is idempotent by clause type; re-running it never duplicates
// or resets records.
func (s *Store) CreateClauseIfAbsent(ctx context.Context, c domain.ClauseNegotiation) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO clause_negotiations(negotiation_id,relationship_id,clause_type,original_value,status,version)
VALUES($1,$2,$3,$4,$5,1)
ON CONFLICT (relationship_id,clause_type) DO NOTHING
`, c.NegotiationID, c.RelationshipID, string(c.ClauseType), c.OriginalValue, string(c.Status))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const clauseColumns = `negotiation_id,relationship_id,clause_type,original_value,status,
proposed_value,proposal_note,proposed_by,counter_response,response_note,final_agreed_value,
version,created_at,updated_at`

func scanClause(row pgx.Row) (domain.ClauseNegotiation, error) {
	var c domain.ClauseNegotiation
	var clauseType, status, proposedBy string
	err := row.Scan(&c.NegotiationID, &c.RelationshipID, &clauseType, &c.OriginalValue, &status,
		&c.ProposedValue, &c.ProposalNote, &proposedBy, &c.CounterResponse, &c.ResponseNote, &c.FinalAgreedValue,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.ClauseNegotiation{}, err
	}
	c.ClauseType = domain.ClauseType(clauseType)
	c.Status = domain.ClauseStatus(status)
	c.ProposedBy = domain.Party(proposedBy)
	return c, nil
}

func (s *Store) GetClause(ctx context.Context, relationshipID string, clauseType domain.ClauseType) (domain.ClauseNegotiation, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+clauseColumns+` FROM clause_negotiations WHERE relationship_id=$1 AND clause_type=$2`,
		relationshipID, string(clauseType))
	c, err := scanClause(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ClauseNegotiation{}, domain.ErrNotFound
	}
	return c, err
}

func (s *Store) ListClauses(ctx context.Context, relationshipID string) ([]domain.ClauseNegotiation, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+clauseColumns+` FROM clause_negotiations WHERE relationship_id=$1 ORDER BY created_at ASC, clause_type ASC`,
		relationshipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ClauseNegotiation
	for rows.Next() {
		c, err := scanClause(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateClause persists a clause transition with an optimistic concurrency
// check: the write applies only if the stored version still equals
// expectedVersion. A lost race surfaces as ErrVersionConflict, so at most one
// of two concurrent transitions on the same clause can succeed.
// original_value is deliberately not in the SET list.
func (s *Store) UpdateClause(ctx context.Context, c domain.ClauseNegotiation, expectedVersion int) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE clause_negotiations SET
  status=$1, proposed_value=$2, proposal_note=$3, proposed_by=$4,
  counter_response=$5, response_note=$6, final_agreed_value=$7,
  version=version+1, updated_at=now()
WHERE negotiation_id=$8 AND version=$9
`, string(c.Status), c.ProposedValue, c.ProposalNote, string(c.ProposedBy),
		c.CounterResponse, c.ResponseNote, c.FinalAgreedValue,
		c.NegotiationID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// CreateSignatureStateIfAbsent reports whether this call created the row.
// The ON CONFLICT guard is what makes contract generation exactly-once.
func (s *Store) CreateSignatureStateIfAbsent(ctx context.Context, st domain.SignatureState) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO signature_states(relationship_id,document_ref,version)
VALUES($1,$2,1)
ON CONFLICT (relationship_id) DO NOTHING
`, st.RelationshipID, st.DocumentRef)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetSignatureState(ctx context.Context, relationshipID string) (domain.SignatureState, error) {
	var st domain.SignatureState
	err := s.DB.QueryRow(ctx, `
SELECT relationship_id,document_ref,client_signed,client_signed_at,client_document_ref,
provider_signed,provider_signed_at,provider_document_ref,version,created_at,updated_at
FROM signature_states WHERE relationship_id=$1
`, relationshipID).Scan(&st.RelationshipID, &st.DocumentRef, &st.ClientSigned, &st.ClientSignedAt, &st.ClientDocumentRef,
		&st.ProviderSigned, &st.ProviderSignedAt, &st.ProviderDocumentRef, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SignatureState{}, domain.ErrNotFound
	}
	return st, err
}

// UpdateSignatureState uses the same versioned CAS as clause updates; signed
// flags only ever move false→true through the tracker.
func (s *Store) UpdateSignatureState(ctx context.Context, st domain.SignatureState, expectedVersion int) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE signature_states SET
  client_signed=$1, client_signed_at=$2, client_document_ref=$3,
  provider_signed=$4, provider_signed_at=$5, provider_document_ref=$6,
  version=version+1, updated_at=now()
WHERE relationship_id=$7 AND version=$8
`, st.ClientSigned, st.ClientSignedAt, st.ClientDocumentRef,
		st.ProviderSigned, st.ProviderSignedAt, st.ProviderDocumentRef,
		st.RelationshipID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (s *Store) AddEvent(ctx context.Context, relationshipID, typ, actorID string, payload map[string]any) error {
	b, _ := json.Marshal(payload)
	_, err := s.DB.Exec(ctx, `INSERT INTO negotiation_events(relationship_id,type,actor_id,payload) VALUES($1,$2,$3,$4::jsonb)`,
		relationshipID, typ, actorID, string(b))
	return err
}

func (s *Store) ListEvents(ctx context.Context, relationshipID string) ([]map[string]any, error) {
	rows, err := s.DB.Query(ctx, `SELECT type,actor_id,occurred_at,payload FROM negotiation_events WHERE relationship_id=$1 ORDER BY occurred_at ASC`,
		relationshipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var typ string
		var actorID *string
		var at time.Time
		var payload []byte
		if err := rows.Scan(&typ, &actorID, &at, &payload); err != nil {
			return nil, err
		}
		var obj any
		_ = json.Unmarshal(payload, &obj)
		out = append(out, map[string]any{"type": typ, "actor_id": actorID, "at": at.Format(time.RFC3339), "payload": obj})
	}
	return out, rows.Err()
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, relationshipID, actorID, key, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var body []byte
	err := s.DB.QueryRow(ctx, `
SELECT response_status,response_body
FROM negotiation_idempotency_records
WHERE relationship_id=$1 AND actor_id=$2 AND idempotency_key=$3 AND endpoint=$4
`, relationshipID, actorID, key, endpoint).Scan(&status, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	var resp map[string]any
	_ = json.Unmarshal(body, &resp)
	return status, resp, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, relationshipID, actorID, key, endpoint string, responseStatus int, responseBody map[string]any) error {
	b, _ := json.Marshal(responseBody)
	_, err := s.DB.Exec(ctx, `
INSERT INTO negotiation_idempotency_records(relationship_id,actor_id,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5,$6::jsonb)
ON CONFLICT (relationship_id,actor_id,idempotency_key,endpoint) DO NOTHING
`, relationshipID, actorID, key, endpoint, responseStatus, string(b))
	return err
}
