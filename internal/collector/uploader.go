package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"centinela/internal/buffer"
)

// BulkTimeout and SingleTimeout are the fixed per-request budgets (spec
// §6/§9): a batch POST gets 30s, an individual fallback POST gets 10s.
const (
	BulkTimeout   = 30 * time.Second
	SingleTimeout = 10 * time.Second
)

type bulkIngestRequest struct {
	Events []singleIngestRequest `json:"events"`
}

type singleIngestRequest struct {
	RawMessage string `json:"raw_message"`
	ReceivedAt string `json:"received_at,omitempty"`
	SourceIP   string `json:"source_ip,omitempty"`
}

// Uploader sends buffered events to the Ingestion Front Door. Send
// tries one gzip-compressed bulk POST first; on non-2xx or network
// failure it falls back to individual POSTs against the singular
// endpoint, matching the flush loop contract in spec §4.D step 2-3.
type Uploader struct {
	apiURL    string
	apiKey    string
	userAgent string
	client    *http.Client
}

// NewUploader builds an Uploader. apiURL is the Centinela API base
// (e.g. "https://ingest.example.com"), no trailing slash. name and
// version identify this collector instance in the User-Agent header
// every outbound request carries (spec §4.D: "Every outbound request
// carries Authorization: Bearer <api_key> and a User-Agent identifying
// the collector name/version.").
func NewUploader(apiURL, apiKey, name, version string) *Uploader {
	return &Uploader{
		apiURL:    apiURL,
		apiKey:    apiKey,
		userAgent: fmt.Sprintf("centinela-collector/%s (%s)", version, name),
		client:    &http.Client{},
	}
}

// Send uploads a batch. Returns the count that were accepted; any
// events not accounted for by the returned count should be handed to
// the retry queue by the caller.
func (u *Uploader) Send(ctx context.Context, events []buffer.Event) (accepted int, err error) {
	if len(events) == 0 {
		return 0, nil
	}

	bulkCtx, cancel := context.WithTimeout(ctx, BulkTimeout)
	defer cancel()

	if err := u.postBulk(bulkCtx, events); err == nil {
		return len(events), nil
	}

	accepted = 0
	for _, ev := range events {
		singleCtx, cancel := context.WithTimeout(ctx, SingleTimeout)
		sendErr := u.postSingle(singleCtx, ev)
		cancel()
		if sendErr != nil {
			continue
		}
		accepted++
	}
	if accepted < len(events) {
		return accepted, fmt.Errorf("uploader: %d of %d events failed", len(events)-accepted, len(events))
	}
	return accepted, nil
}

func (u *Uploader) postBulk(ctx context.Context, events []buffer.Event) error {
	body := bulkIngestRequest{Events: make([]singleIngestRequest, len(events))}
	for i, ev := range events {
		body.Events[i] = toIngestRequest(ev)
	}
	return u.post(ctx, "/v1/ingest/syslog/bulk", body)
}

func (u *Uploader) postSingle(ctx context.Context, ev buffer.Event) error {
	return u.post(ctx, "/v1/ingest/syslog", toIngestRequest(ev))
}

func (u *Uploader) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return fmt.Errorf("gzip payload: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.apiURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Authorization", "Bearer "+u.apiKey)
	req.Header.Set("User-Agent", u.userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	return nil
}

func toIngestRequest(ev buffer.Event) singleIngestRequest {
	req := singleIngestRequest{
		RawMessage: ev.RawMessage,
		SourceIP:   ev.SourceIP,
	}
	if ev.ReceivedAt != 0 {
		req.ReceivedAt = time.Unix(0, ev.ReceivedAt).UTC().Format(time.RFC3339)
	}
	return req
}
