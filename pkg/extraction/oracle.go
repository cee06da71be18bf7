package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/chronica-ai/timeline/pkg/common/config"
	"github.com/chronica-ai/timeline/pkg/common/httpclient"
)

// Schema names the fields the oracle must return for a result to be usable.
type Schema struct {
	RequiredFields []string `json:"required_fields"`
}

// Result is one structured oracle answer.
type Result struct {
	Fields      map[string]interface{} `json:"fields"`
	Confidence  float64                `json:"confidence"`
	RawResponse string                 `json:"raw_response"`
}

// Oracle is the natural-language extraction collaborator. Core control flow
// never depends on prompt wording, only on this contract.
type Oracle interface {
	Extract(ctx context.Context, prompt string, schema Schema) (*Result, error)
}

// HTTPOracle calls an OpenAI-compatible chat completion endpoint and expects
// a JSON object carrying the requested fields plus a confidence estimate.
type HTTPOracle struct {
	client      *http.Client
	apiKey      string
	baseURL     string
	modelName   string
	temperature float64
}

func NewHTTPOracle(cfg *config.Config) *HTTPOracle {
	return &HTTPOracle{
		client:      httpclient.New(cfg.CollaboratorTimeout),
		apiKey:      cfg.OracleAPIKey,
		baseURL:     cfg.OracleBaseURL,
		modelName:   cfg.OracleModelName,
		temperature: cfg.OracleTemperature,
	}
}

func (o *HTTPOracle) Extract(ctx context.Context, prompt string, schema Schema) (*Result, error) {
	payload := map[string]interface{}{
		"model": o.modelName,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": o.temperature,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", httpclient.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading oracle response: %v", httpclient.ErrTransient, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: oracle returned %d", httpclient.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned %d: %s", resp.StatusCode, string(body))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("decoding oracle response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("oracle returned no choices")
	}

	return ParseResult(completion.Choices[0].Message.Content, schema)
}

// ParseResult decodes the oracle content into a Result and enforces the
// schema. A missing required field is a hard failure, never coerced.
func ParseResult(content string, schema Schema) (*Result, error) {
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return nil, fmt.Errorf("oracle content is not valid JSON: %w", err)
	}

	confidence := 0.0
	if c, ok := decoded["confidence"].(float64); ok {
		confidence = c
	}
	delete(decoded, "confidence")

	for _, required := range schema.RequiredFields {
		if _, ok := decoded[required]; !ok {
			return nil, fmt.Errorf("oracle response missing required field %s", required)
		}
	}

	return &Result{
		Fields:      decoded,
		Confidence:  confidence,
		RawResponse: content,
	}, nil
}
