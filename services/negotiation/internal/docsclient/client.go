// Package docsclient talks to the document service: contract generation from
// agreed terms, signed-copy upload and download. Only PDFs pass the upload
// gate; a failed upload leaves no signature state behind.
package docsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cgonzalosoriano/compraElectrica-sub000/pkg/domain"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// IsPDF sniffs the document magic. The upload endpoint rejects anything else
// before any state is touched.
func IsPDF(content []byte) bool {
	return bytes.HasPrefix(content, []byte("%PDF-"))
}

func (c *Client) GenerateContractDocument(ctx context.Context, relationshipID string, agreedTerms domain.Terms) (string, error) {
	body, err := json.Marshal(map[string]any{
		"relationship_id": relationshipID,
		"agreed_terms":    agreedTerms,
	})
	if err != nil {
		return "", err
	}
	u := fmt.Sprintf("%s/documents/contracts", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	out, err := doJSON[struct {
		DocumentRef string `json:"document_ref"`
	}](c, req)
	if err != nil {
		return "", err
	}
	return out.DocumentRef, nil
}

// UploadSignedDocument stores a party's signed PDF and returns the storage
// ref. Content must already have passed IsPDF.
func (c *Client) UploadSignedDocument(ctx context.Context, relationshipID string, party domain.Party, content []byte) (string, error) {
	u := fmt.Sprintf("%s/documents/signed/%s/%s", c.BaseURL, url.PathEscape(relationshipID), url.PathEscape(string(party)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/pdf")
	out, err := doJSON[struct {
		StorageRef string `json:"storage_ref"`
	}](c, req)
	if err != nil {
		return "", err
	}
	return out.StorageRef, nil
}

func (c *Client) DownloadSignedDocument(ctx context.Context, relationshipID string, party domain.Party) ([]byte, error) {
	u := fmt.Sprintf("%s/documents/signed/%s/%s", c.BaseURL, url.PathEscape(relationshipID), url.PathEscape(string(party)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("document service returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, fmt.Errorf("http %d: %v", resp.StatusCode, errBody)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
