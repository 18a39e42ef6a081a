package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// maxResponseBytes caps how much of an inference response is read.
const maxResponseBytes = 1 << 20

// ServiceInference speaks the JSON contract of the standalone ai-service:
// POST /analyze for tagged turns and POST /ask for room analyses.
type ServiceInference struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

type analyzeRequest struct {
	ChatData   string `json:"chat_data"`
	UserPrompt string `json:"user_prompt"`
}

type analyzeResponse struct {
	Response string `json:"response"`
}

type askRequest struct {
	History      string `json:"history"`
	Question     string `json:"question"`
	AnalysisMode bool   `json:"analysis_mode"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// NewServiceInference targets baseURL. Deadlines come from the caller's context.
func NewServiceInference(baseURL string, client *http.Client, logger *zap.Logger) *ServiceInference {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceInference{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Complete implements Inference.
func (s *ServiceInference) Complete(ctx context.Context, prompt string, history []Turn) (string, error) {
	var out analyzeResponse
	req := analyzeRequest{ChatData: RenderHistory(history), UserPrompt: strings.TrimSpace(prompt)}
	if err := s.post(ctx, "/analyze", req, &out); err != nil {
		return "", err
	}
	return cleanReply(out.Response)
}

// Analyze implements Inference.
func (s *ServiceInference) Analyze(ctx context.Context, history []Turn) (string, error) {
	var out askResponse
	req := askRequest{
		History:      RenderHistory(history),
		Question:     "Analyze this conversation.",
		AnalysisMode: true,
	}
	if err := s.post(ctx, "/ask", req, &out); err != nil {
		return "", err
	}
	return cleanReply(out.Answer)
}

func (s *ServiceInference) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("call ai service %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read ai service %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("ai service returned error status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", truncate(data, 256)))
		return fmt.Errorf("ai service %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode ai service %s response: %w", path, err)
	}
	return nil
}

func truncate(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	return data[:n]
}
