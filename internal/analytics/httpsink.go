package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// HTTPSink posts batches of events to the analytics hub as a single JSON
// array. It is the default Sink for production wiring.
type HTTPSink struct {
	client  *http.Client
	baseURL string
}

// NewHTTPSink returns a Sink that POSTs batches to baseURL + "/api/v1/events".
func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		client:  &http.Client{Transport: newTransport(), Timeout: timeout},
		baseURL: baseURL,
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
}

// SendBatch posts events as a single JSON array to the analytics hub.
func (s *HTTPSink) SendBatch(ctx context.Context, events []Event) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("%w: marshal event batch: %w", gateway.ErrInternal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build analytics request: %w", gateway.ErrInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: send event batch: %w", gateway.ErrExternalService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: analytics hub returned status %d", gateway.ErrExternalService, resp.StatusCode)
	}
	return nil
}
