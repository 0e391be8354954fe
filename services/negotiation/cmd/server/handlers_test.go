package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cgonzalosoriano/compraElectrica-sub000/pkg/domain"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/engine"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/signature"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type memStore struct {
	mu            sync.Mutex
	relationships map[string]domain.Relationship
	clauses       map[string]domain.ClauseNegotiation
	sigStates     map[string]domain.SignatureState
	events        map[string][]map[string]any
	idem          map[string]idemRecord
}

type idemRecord struct {
	status int
	body   map[string]any
}

func newMemStore() *memStore {
	return &memStore{
		relationships: map[string]domain.Relationship{},
		clauses:       map[string]domain.ClauseNegotiation{},
		sigStates:     map[string]domain.SignatureState{},
		events:        map[string][]map[string]any{},
		idem:          map[string]idemRecord{},
	}
}

func (m *memStore) CreateRelationship(ctx context.Context, rel domain.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relationships[rel.RelationshipID] = rel
	return nil
}

func (m *memStore) GetRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.relationships[id]
	if !ok {
		return domain.Relationship{}, domain.ErrNotFound
	}
	return rel, nil
}

func (m *memStore) SetRelationshipStatus(ctx context.Context, id string, status domain.RelationshipStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel := m.relationships[id]
	rel.Status = status
	m.relationships[id] = rel
	return nil
}

func (m *memStore) CreateClauseIfAbsent(ctx context.Context, c domain.ClauseNegotiation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := c.RelationshipID + "/" + string(c.ClauseType)
	if _, exists := m.clauses[key]; exists {
		return false, nil
	}
	c.Version = 1
	c.CreatedAt = time.Now()
	m.clauses[key] = c
	return true, nil
}

func (m *memStore) GetClause(ctx context.Context, id string, ct domain.ClauseType) (domain.ClauseNegotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clauses[id+"/"+string(ct)]
	if !ok {
		return domain.ClauseNegotiation{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListClauses(ctx context.Context, id string) ([]domain.ClauseNegotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ClauseNegotiation
	for _, c := range m.clauses {
		if c.RelationshipID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) UpdateClause(ctx context.Context, c domain.ClauseNegotiation, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := c.RelationshipID + "/" + string(c.ClauseType)
	cur, ok := m.clauses[key]
	if !ok || cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	c.OriginalValue = cur.OriginalValue
	c.Version = expectedVersion + 1
	m.clauses[key] = c
	return nil
}

func (m *memStore) CreateSignatureStateIfAbsent(ctx context.Context, st domain.SignatureState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sigStates[st.RelationshipID]; exists {
		return false, nil
	}
	st.Version = 1
	m.sigStates[st.RelationshipID] = st
	return true, nil
}

func (m *memStore) GetSignatureState(ctx context.Context, id string) (domain.SignatureState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sigStates[id]
	if !ok {
		return domain.SignatureState{}, domain.ErrNotFound
	}
	return st, nil
}

func (m *memStore) UpdateSignatureState(ctx context.Context, st domain.SignatureState, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sigStates[st.RelationshipID]
	if !ok || cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	st.Version = expectedVersion + 1
	m.sigStates[st.RelationshipID] = st
	return nil
}

func (m *memStore) AddEvent(ctx context.Context, id, typ, actorID string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id] = append(m.events[id], map[string]any{"type": typ, "actor_id": actorID, "payload": payload})
	return nil
}

func (m *memStore) ListEvents(ctx context.Context, id string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[id], nil
}

func (m *memStore) GetIdempotencyRecord(ctx context.Context, relationshipID, actorID, key, endpoint string) (int, map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[relationshipID+"/"+actorID+"/"+key+"/"+endpoint]
	if !ok {
		return 0, nil, false, nil
	}
	return rec.status, rec.body, true, nil
}

func (m *memStore) SaveIdempotencyRecord(ctx context.Context, relationshipID, actorID, key, endpoint string, responseStatus int, responseBody map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[relationshipID+"/"+actorID+"/"+key+"/"+endpoint] = idemRecord{status: responseStatus, body: responseBody}
	return nil
}

type memDocs struct {
	mu       sync.Mutex
	genCalls int
	signed   map[string][]byte
}

func newMemDocs() *memDocs { return &memDocs{signed: map[string][]byte{}} }

func (d *memDocs) GenerateContractDocument(ctx context.Context, relationshipID string, agreedTerms domain.Terms) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.genCalls++
	return "doc_" + relationshipID, nil
}

func (d *memDocs) UploadSignedDocument(ctx context.Context, relationshipID string, party domain.Party, content []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref := "stor_" + relationshipID + "_" + string(party)
	d.signed[ref] = content
	return ref, nil
}

func (d *memDocs) DownloadSignedDocument(ctx context.Context, relationshipID string, party domain.Party) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signed["stor_"+relationshipID+"_"+string(party)], nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, recipientID, event string, payload map[string]any) error {
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memStore, *memDocs) {
	t.Helper()
	st := newMemStore()
	docs := newMemDocs()
	logger := zerolog.Nop()
	srv := &server{
		store:   st,
		eng:     engine.New(st, nopNotifier{}, logger),
		tracker: signature.New(st, docs, nopNotifier{}, logger),
		docs:    docs,
		limiter: newFixedWindowLimiter(0, time.Minute),
		cfg:     serverConfig{MaxUploadBytes: 1 << 20},
		logger:  logger,
	}
	r := chi.NewRouter()
	srv.routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, st, docs
}

func postJSON(t *testing.T, url string, body map[string]any) (int, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func actorBody(party string, extra map[string]any) map[string]any {
	body := map[string]any{"actor_context": map[string]any{"party": party, "actor_id": "usr_" + strings.ToLower(party)}}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func createRelationship(t *testing.T, base string) string {
	t.Helper()
	status, out := postJSON(t, base+"/negotiation/relationships", map[string]any{
		"client_id":   "usr_client",
		"provider_id": "usr_provider",
		"terms": map[string]string{
			"ENERGY_PRICE":  "45.5",
			"POWER_PRICE":   "12.3",
			"TERM":          "12",
			"PAYMENT_TERMS": "NET_30",
			"GUARANTEES":    "bank guarantee",
		},
	})
	if status != 201 {
		t.Fatalf("create relationship: status %d body %v", status, out)
	}
	rel := out["relationship"].(map[string]any)
	return rel["relationship_id"].(string)
}

func uploadPDF(t *testing.T, url, actorID string, content []byte) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="document"; filename="signed.pdf"`)
	hdr.Set("Content-Type", "application/pdf")
	part, _ := mw.CreatePart(hdr)
	_, _ = part.Write(content)
	_ = mw.WriteField("actor_id", actorID)
	_ = mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestFullNegotiationFlow(t *testing.T) {
	ts, _, docs := newTestServer(t)
	relID := createRelationship(t, ts.URL)
	relBase := ts.URL + "/negotiation/relationships/" + relID

	status, out := postJSON(t, relBase+"/clauses:initialize", actorBody("CLIENT", nil))
	if status != 201 {
		t.Fatalf("initialize: status %d body %v", status, out)
	}
	if clauses := out["clauses"].([]any); len(clauses) != 5 {
		t.Fatalf("expected 5 clauses, got %d", len(clauses))
	}

	status, out = postJSON(t, relBase+"/clauses/ENERGY_PRICE:propose", actorBody("CLIENT", map[string]any{
		"proposed_value": "40", "note": "too high",
	}))
	if status != 200 {
		t.Fatalf("propose: status %d body %v", status, out)
	}
	clause := out["clause"].(map[string]any)
	if clause["status"] != "NEGOTIATING" || clause["proposed_value"] != "40" {
		t.Fatalf("unexpected clause after propose: %v", clause)
	}

	status, out = postJSON(t, relBase+"/clauses/ENERGY_PRICE:respond", actorBody("PROVIDER", map[string]any{
		"decision": "COUNTER", "counter_value": "42",
	}))
	if status != 200 {
		t.Fatalf("respond: status %d body %v", status, out)
	}
	clause = out["clause"].(map[string]any)
	if clause["status"] != "AGREED" || clause["final_agreed_value"] != "42" {
		t.Fatalf("unexpected clause after counter: %v", clause)
	}
	if clause["original_value"] != "45.5" {
		t.Fatalf("original value mutated: %v", clause["original_value"])
	}

	for _, ct := range []string{"POWER_PRICE", "TERM", "PAYMENT_TERMS", "GUARANTEES"} {
		if status, out = postJSON(t, relBase+"/clauses/"+ct+":accept", actorBody("CLIENT", nil)); status != 200 {
			t.Fatalf("accept %s: status %d body %v", ct, status, out)
		}
	}

	status, out = getJSON(t, relBase+"/readiness")
	if status != 200 {
		t.Fatalf("readiness: status %d", status)
	}
	if ready := out["readiness"].(map[string]any)["ready"]; ready != true {
		t.Fatalf("expected ready, got %v", out)
	}

	if status, out = postJSON(t, relBase+"/contract:generate", actorBody("CLIENT", nil)); status != 201 {
		t.Fatalf("generate: status %d body %v", status, out)
	}
	// Repeat generation is answered from the stored state.
	if status, _ = postJSON(t, relBase+"/contract:generate", actorBody("PROVIDER", nil)); status != 201 {
		t.Fatalf("repeat generate: status %d", status)
	}
	if docs.genCalls != 1 {
		t.Fatalf("contract generated %d times, want 1", docs.genCalls)
	}

	pdf := []byte("%PDF-1.7 signed copy")
	if status, out = uploadPDF(t, relBase+"/signatures/CLIENT", "usr_client", pdf); status != 201 {
		t.Fatalf("client upload: status %d body %v", status, out)
	}
	if status, out = uploadPDF(t, relBase+"/signatures/PROVIDER", "usr_provider", pdf); status != 201 {
		t.Fatalf("provider upload: status %d body %v", status, out)
	}

	status, out = getJSON(t, relBase+"/signatures")
	if status != 200 {
		t.Fatalf("signature status: %d", status)
	}
	sig := out["signature_status"].(map[string]any)
	if sig["both_parties_signed"] != true || sig["phase"] != "FULLY_EXECUTED" {
		t.Fatalf("expected fully executed, got %v", sig)
	}

	resp, err := http.Get(relBase + "/signatures/PROVIDER/document?requester=CLIENT")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("download status %d", resp.StatusCode)
	}
	content, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(content, pdf) {
		t.Fatalf("downloaded copy differs")
	}

	status, out = getJSON(t, relBase+"/events")
	if status != 200 || len(out["events"].([]any)) == 0 {
		t.Fatalf("expected audit events, got %d %v", status, out)
	}
}

func TestRejectedClauseStallsRelationship(t *testing.T) {
	ts, _, _ := newTestServer(t)
	relID := createRelationship(t, ts.URL)
	relBase := ts.URL + "/negotiation/relationships/" + relID
	_, _ = postJSON(t, relBase+"/clauses:initialize", actorBody("CLIENT", nil))

	if status, out := postJSON(t, relBase+"/clauses/GUARANTEES:reject", actorBody("CLIENT", nil)); status != 200 {
		t.Fatalf("reject: status %d body %v", status, out)
	}
	_, out := getJSON(t, relBase+"/readiness")
	readiness := out["readiness"].(map[string]any)
	if readiness["ready"] == true {
		t.Fatalf("rejected clause must block readiness")
	}
	rejected := readiness["rejected"].([]any)
	if len(rejected) != 1 || rejected[0] != "GUARANTEES" {
		t.Fatalf("rejection not surfaced: %v", readiness)
	}

	if status, _ := postJSON(t, relBase+"/contract:generate", actorBody("CLIENT", nil)); status != 409 {
		t.Fatalf("generate on stalled relationship: status %d, want 409", status)
	}
}

func TestValidationAndConflictStatuses(t *testing.T) {
	ts, _, _ := newTestServer(t)
	relID := createRelationship(t, ts.URL)
	relBase := ts.URL + "/negotiation/relationships/" + relID
	_, _ = postJSON(t, relBase+"/clauses:initialize", actorBody("CLIENT", nil))

	// Unknown clause type.
	if status, _ := postJSON(t, relBase+"/clauses/DISCOUNT:accept", actorBody("CLIENT", nil)); status != 400 {
		t.Fatalf("unknown clause type: status %d, want 400", status)
	}
	// Empty proposed value.
	if status, _ := postJSON(t, relBase+"/clauses/ENERGY_PRICE:propose", actorBody("CLIENT", map[string]any{"proposed_value": ""})); status != 400 {
		t.Fatalf("empty proposal: status %d, want 400", status)
	}
	// Proposer answering its own proposal.
	_, _ = postJSON(t, relBase+"/clauses/ENERGY_PRICE:propose", actorBody("CLIENT", map[string]any{"proposed_value": "40"}))
	if status, _ := postJSON(t, relBase+"/clauses/ENERGY_PRICE:respond", actorBody("CLIENT", map[string]any{"decision": "ACCEPT"})); status != 403 {
		t.Fatalf("proposer response: status %d, want 403", status)
	}
	// Accept from NEGOTIATING.
	if status, _ := postJSON(t, relBase+"/clauses/ENERGY_PRICE:accept", actorBody("PROVIDER", nil)); status != 409 {
		t.Fatalf("accept from NEGOTIATING: status %d, want 409", status)
	}
	// Missing relationship.
	if status, _ := getJSON(t, ts.URL+"/negotiation/relationships/rel_missing/readiness"); status != 404 {
		t.Fatalf("missing relationship: status %d, want 404", status)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	ts, st, _ := newTestServer(t)
	relID := createRelationship(t, ts.URL)
	relBase := ts.URL + "/negotiation/relationships/" + relID
	_, _ = postJSON(t, relBase+"/clauses:initialize", actorBody("CLIENT", nil))
	for _, ct := range []string{"ENERGY_PRICE", "POWER_PRICE", "TERM", "PAYMENT_TERMS", "GUARANTEES"} {
		_, _ = postJSON(t, relBase+"/clauses/"+ct+":accept", actorBody("CLIENT", nil))
	}
	_, _ = postJSON(t, relBase+"/contract:generate", actorBody("CLIENT", nil))

	status, out := uploadPDF(t, relBase+"/signatures/CLIENT", "usr_client", []byte("<html>not a pdf</html>"))
	if status != 400 {
		t.Fatalf("non-PDF upload: status %d body %v", status, out)
	}
	// Nothing recorded on a rejected upload.
	sig, err := st.GetSignatureState(context.Background(), relID)
	if err != nil {
		t.Fatalf("signature state: %v", err)
	}
	if sig.ClientSigned {
		t.Fatalf("rejected upload must not record a signature")
	}
}

func TestDuplicateSignatureConflict(t *testing.T) {
	ts, _, _ := newTestServer(t)
	relID := createRelationship(t, ts.URL)
	relBase := ts.URL + "/negotiation/relationships/" + relID
	_, _ = postJSON(t, relBase+"/clauses:initialize", actorBody("CLIENT", nil))
	for _, ct := range []string{"ENERGY_PRICE", "POWER_PRICE", "TERM", "PAYMENT_TERMS", "GUARANTEES"} {
		_, _ = postJSON(t, relBase+"/clauses/"+ct+":accept", actorBody("PROVIDER", nil))
	}
	_, _ = postJSON(t, relBase+"/contract:generate", actorBody("PROVIDER", nil))

	pdf := []byte("%PDF-1.7 copy")
	if status, _ := uploadPDF(t, relBase+"/signatures/CLIENT", "usr_client", pdf); status != 201 {
		t.Fatalf("first upload failed")
	}
	status, out := uploadPDF(t, relBase+"/signatures/CLIENT", "usr_client", pdf)
	if status != 409 {
		t.Fatalf("duplicate signature: status %d body %v", status, out)
	}
	errObj := out["error"].(map[string]any)
	if errObj["code"] != "ALREADY_SIGNED" {
		t.Fatalf("expected ALREADY_SIGNED, got %v", errObj)
	}
}

func TestIdempotencyKeyReplay(t *testing.T) {
	ts, _, _ := newTestServer(t)
	relID := createRelationship(t, ts.URL)
	relBase := ts.URL + "/negotiation/relationships/" + relID
	_, _ = postJSON(t, relBase+"/clauses:initialize", actorBody("CLIENT", nil))

	body := map[string]any{
		"actor_context":  map[string]any{"party": "CLIENT", "actor_id": "usr_client", "idempotency_key": "k1"},
		"proposed_value": "40",
	}
	status, first := postJSON(t, relBase+"/clauses/ENERGY_PRICE:propose", body)
	if status != 200 {
		t.Fatalf("propose: status %d", status)
	}
	status, second := postJSON(t, relBase+"/clauses/ENERGY_PRICE:propose", body)
	if status != 200 {
		t.Fatalf("replayed propose: status %d", status)
	}
	if fmt.Sprint(first["request_id"]) != fmt.Sprint(second["request_id"]) {
		t.Fatalf("replay should return the recorded response")
	}
}

func TestDownloadGating(t *testing.T) {
	ts, _, _ := newTestServer(t)
	relID := createRelationship(t, ts.URL)
	relBase := ts.URL + "/negotiation/relationships/" + relID
	_, _ = postJSON(t, relBase+"/clauses:initialize", actorBody("CLIENT", nil))
	for _, ct := range []string{"ENERGY_PRICE", "POWER_PRICE", "TERM", "PAYMENT_TERMS", "GUARANTEES"} {
		_, _ = postJSON(t, relBase+"/clauses/"+ct+":accept", actorBody("CLIENT", nil))
	}
	_, _ = postJSON(t, relBase+"/contract:generate", actorBody("CLIENT", nil))

	// Nothing to download before anyone signs.
	if status, _ := getJSON(t, relBase+"/signatures/PROVIDER/document?requester=CLIENT"); status != 404 {
		t.Fatalf("unsigned copy download: status %d, want 404", status)
	}
	_, _ = uploadPDF(t, relBase+"/signatures/PROVIDER", "usr_provider", []byte("%PDF-1.7 provider"))
	if status, _ := getJSON(t, relBase+"/signatures/PROVIDER/document?requester=CLIENT"); status != 200 {
		t.Fatalf("counterparty copy should be available once signed")
	}
}
