// Package record persists call outcomes to the platform's history service.
package record

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carelink/carecall/internal/domain"
)

const defaultTimeout = 10 * time.Second

// HTTPSink posts call records to a REST endpoint.
type HTTPSink struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPSink(baseURL, token string) *HTTPSink {
	return &HTTPSink{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: defaultTimeout},
	}
}

// Write posts one record. The body mirrors the chat message schema: the
// record rides as a message of type voice_call/video_call.
func (s *HTTPSink) Write(ctx context.Context, rec domain.CallRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post record: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("record endpoint returned %s", resp.Status)
	}
	log.Debug().Str("module", "record").Str("status", string(rec.Status)).Msg("call record stored")
	return nil
}

// Discard drops records; used when no history service is configured.
type Discard struct{}

func (Discard) Write(context.Context, domain.CallRecord) error { return nil }
