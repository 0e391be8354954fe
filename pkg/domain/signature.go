package domain

import "time"

type SignaturePhase string

const (
	AwaitingFirstSignature  SignaturePhase = "AWAITING_FIRST_SIGNATURE"
	AwaitingSecondSignature SignaturePhase = "AWAITING_SECOND_SIGNATURE"
	FullyExecuted           SignaturePhase = "FULLY_EXECUTED"
)

// SignatureState tracks dual-signature convergence for one relationship.
// It is created when the contract document is generated. A party's signed
// flag never reverts within the same contract instance.
type SignatureState struct {
	RelationshipID string `json:"relationship_id"`
	DocumentRef    string `json:"document_ref"`

	ClientSigned      bool       `json:"client_signed"`
	ClientSignedAt    *time.Time `json:"client_signed_at,omitempty"`
	ClientDocumentRef string     `json:"client_document_ref,omitempty"`

	ProviderSigned      bool       `json:"provider_signed"`
	ProviderSignedAt    *time.Time `json:"provider_signed_at,omitempty"`
	ProviderDocumentRef string     `json:"provider_document_ref,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s SignatureState) Signed(p Party) bool {
	if p == PartyClient {
		return s.ClientSigned
	}
	return s.ProviderSigned
}

func (s SignatureState) SignedDocumentRef(p Party) string {
	if p == PartyClient {
		return s.ClientDocumentRef
	}
	return s.ProviderDocumentRef
}

func (s SignatureState) Phase() SignaturePhase {
	switch {
	case s.ClientSigned && s.ProviderSigned:
		return FullyExecuted
	case s.ClientSigned || s.ProviderSigned:
		return AwaitingSecondSignature
	default:
		return AwaitingFirstSignature
	}
}

// CanDownloadCounterpartyCopy reports whether the given party may fetch the
// other party's signed copy: available once the counterparty signed, used to
// drive the download / countersign / re-upload flow.
func (s SignatureState) CanDownloadCounterpartyCopy(p Party) bool {
	return s.Signed(p.Counterparty())
}
