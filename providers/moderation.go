package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/docshare_backend/workflow"
)

// ModerationClient reads results back from the moderation service for the verification path.
type ModerationClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

func NewModerationClient(baseURL, apiKey string, timeout time.Duration) (*ModerationClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("moderation service url is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ModerationClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: "X-API-Key",
		http:      &http.Client{Timeout: timeout},
	}, nil
}

type moderationResultResponse struct {
	DocumentId  string   `json:"document_id"`
	Status      string   `json:"status"`
	Score       *float64 `json:"score"`
	Flags       []string `json:"flags"`
	TextPreview string   `json:"text_preview"`
	Error       string   `json:"error"`
}

// GetResult fetches the latest result. A document unknown to the service is reported as pending.
func (c *ModerationClient) GetResult(ctx context.Context, documentId string) (*workflow.ModerationReport, error) {
	endpoint := c.baseURL + "/v1/results/" + url.PathEscape(documentId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		return &workflow.ModerationReport{DocumentId: documentId, Status: "pending"}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("moderation api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed moderationResultResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if parsed.DocumentId == "" {
		parsed.DocumentId = documentId
	}
	return &workflow.ModerationReport{
		DocumentId:  parsed.DocumentId,
		Status:      parsed.Status,
		Score:       parsed.Score,
		Flags:       parsed.Flags,
		TextPreview: parsed.TextPreview,
		Error:       parsed.Error,
	}, nil
}
