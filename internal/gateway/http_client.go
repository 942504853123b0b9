package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPGateway is an HTTP implementation of the Gateway interface. It speaks a
// minimal JSON protocol: POST {url}/v1/generate with the Request body, a JSON
// object {"text": "..."} back.
type HTTPGateway struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPGateway creates a new HTTPGateway.
func NewHTTPGateway(url, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGateway{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type generateResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Generate calls the remote model and returns its raw text.
func (g *HTTPGateway) Generate(ctx context.Context, genReq *Request) (string, error) {
	requestBody, err := json.Marshal(genReq)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.url+"/v1/generate", bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", &Error{Kind: KindTimeout, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", classifyStatus(resp.StatusCode, string(body))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Kind: KindServer, Status: resp.StatusCode, Msg: "undecodable response body"}
	}
	if out.Error != "" {
		return "", &Error{Kind: KindServer, Status: resp.StatusCode, Msg: out.Error}
	}
	return out.Text, nil
}

func classifyStatus(status int, body string) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Msg: body}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Status: status, Msg: body}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Status: status, Msg: body}
	case status >= 500:
		return &Error{Kind: KindServer, Status: status, Msg: body}
	default:
		return &Error{Kind: KindBadRequest, Status: status, Msg: body}
	}
}
