package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chatd/internal/chat"
	"chatd/pkg/types"
)

// serverAdapter implements EngineAdapter by talking to a running
// llama-server (or any OpenAI-compatible server) over HTTP. "Loading" an
// artifact is a health check plus binding the model name; the server owns
// the actual weights.
type serverAdapter struct {
	baseURL    string
	apiKey     string
	reqTimeout time.Duration
	httpClient *http.Client
}

// NewServerAdapter constructs a server-backed adapter for baseURL.
func NewServerAdapter(baseURL, apiKey string, reqTimeout time.Duration) EngineAdapter {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// Timeout stays 0: streaming requests carry context-based deadlines.
	return &serverAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		reqTimeout: reqTimeout,
		httpClient: &http.Client{Transport: tr, Timeout: 0},
	}
}

func (a *serverAdapter) Load(ctx context.Context, modelPath string) (Engine, error) {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, ErrEngineUnavailable("engine server unreachable: " + err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ErrEngineUnavailable("engine server unhealthy: " + resp.Status)
	}
	return &serverEngine{adapter: a, model: filepath.Base(modelPath)}, nil
}

// serverEngine is one bound model on the remote server.
type serverEngine struct {
	adapter *serverAdapter
	model   string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Stop cancels the in-flight streaming request, if any.
func (e *serverEngine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *serverEngine) Close() error { return nil }

// chatCompletionRequest is the OpenAI-compatible payload for
// /v1/chat/completions.
type chatCompletionRequest struct {
	Model     string          `json:"model,omitempty"`
	Messages  []types.Message `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stop      []string        `json:"stop,omitempty"`
	Stream    bool            `json:"stream"`
}

// chatStreamChunk is the minimal subset of a streamed chunk we consume.
// llama-server attaches a timings object to its final chunk.
type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Timings *struct {
		PredictedN         int     `json:"predicted_n"`
		PredictedPerSecond float64 `json:"predicted_per_second"`
	} `json:"timings"`
}

func (e *serverEngine) Generate(ctx context.Context, history []types.Message, opts chat.GenOptions, onToken func(string) error) (chat.Timings, error) {
	if e.adapter == nil || e.adapter.httpClient == nil {
		return chat.Timings{}, errors.New("server adapter not initialized")
	}
	if e.adapter.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.adapter.reqTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	payload := chatCompletionRequest{
		Model:     e.model,
		Messages:  history,
		MaxTokens: opts.MaxTokens,
		Stop:      opts.Stop,
		Stream:    true,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.adapter.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return chat.Timings{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.adapter.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.adapter.apiKey)
	}
	resp, err := e.adapter.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return chat.Timings{}, ctx.Err()
		}
		return chat.Timings{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return chat.Timings{}, fmt.Errorf("engine server http error: %s: %s", resp.Status, string(b))
	}

	// Stream parse: SSE lines beginning with "data: ", terminated by [DONE].
	r := bufio.NewReader(resp.Body)
	var timings chat.Timings
	for {
		line, rerr := r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSpace(line)
			if line != "" && strings.HasPrefix(strings.ToLower(line), "data:") {
				data := strings.TrimSpace(line[len("data:"):])
				if data == "[DONE]" {
					break
				}
				var chunk chatStreamChunk
				if err := json.Unmarshal([]byte(data), &chunk); err == nil {
					if chunk.Timings != nil {
						timings.TokensPerSec = chunk.Timings.PredictedPerSecond
						timings.CompletionTokens = chunk.Timings.PredictedN
					}
					if len(chunk.Choices) > 0 {
						if frag := chunk.Choices[0].Delta.Content; frag != "" {
							if cbErr := onToken(frag); cbErr != nil {
								return timings, cbErr
							}
						}
					}
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return timings, ctx.Err()
			}
			return timings, rerr
		}
	}
	return timings, nil
}
