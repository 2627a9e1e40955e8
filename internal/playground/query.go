package playground

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"

	"applabd/internal/workload"
)

// completionRequest is the OpenAI-compatible payload llama.cpp servers accept.
type completionRequest struct {
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// completionChunk is the subset of a streamed completion response we read.
// Servers emit either completions text or chat deltas depending on endpoint.
type completionChunk struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Query opens a streaming completion against the model's playground. The
// session is registered before the first token arrives so observers see the
// pending query immediately; chunks accumulate in the background.
func (m *Manager) Query(ctx context.Context, modelID, prompt string) (int64, error) {
	key := workload.PlaygroundKey{ModelID: modelID}

	m.mu.Lock()
	s, ok := m.states.Get(key)
	if !ok || s.Container == nil || s.Phase != workload.PhaseRunning {
		m.mu.Unlock()
		return 0, workload.ErrNotFound("playground for model %s is not running", modelID)
	}
	port := s.Container.Port
	id := atomic.AddInt64(&m.nextID, 1)
	m.sessions.Set(sessionKey(id), &Session{ID: id, ModelID: modelID, Prompt: prompt}, gocache.DefaultExpiration)
	m.mu.Unlock()
	m.notify()

	go m.stream(id, port, prompt)
	return id, nil
}

// stream consumes the completion stream. Failures are recorded on the session
// and logged; they never propagate and never roll back accumulated output.
func (m *Manager) stream(id int64, port int, prompt string) {
	if err := m.streamOnce(id, port, prompt); err != nil {
		m.mu.Lock()
		if item, ok := m.sessions.Get(sessionKey(id)); ok {
			if s, ok := item.(*Session); ok {
				s.Error = err.Error()
			}
		}
		m.mu.Unlock()
		m.notify()
		m.log.Warn().Err(err).Int64("query", id).Msg("query stream failed")
	}
}

func (m *Manager) streamOnce(id int64, port int, prompt string) error {
	body, _ := json.Marshal(completionRequest{Prompt: prompt, Stream: true})
	url := fmt.Sprintf("http://127.0.0.1:%d/v1/completions", port)
	req, err := http.NewRequestWithContext(m.watchCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("completion: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	// Stream parse: servers emit SSE lines beginning with "data: ".
	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			if chunk, done := parseChunk(strings.TrimSpace(line)); chunk != "" || done {
				if done {
					return nil
				}
				m.appendChunk(id, chunk)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// parseChunk extracts the token text from one SSE line, reporting [DONE].
func parseChunk(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return "", false
	}
	if payload == "[DONE]" {
		return "", true
	}
	var chunk completionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	if chunk.Choices[0].Text != "" {
		return chunk.Choices[0].Text, false
	}
	return chunk.Choices[0].Delta.Content, false
}

// appendChunk grows the session's accumulated response and clears any prior
// error: a stream that recovered is no longer failed.
func (m *Manager) appendChunk(id int64, chunk string) {
	m.mu.Lock()
	if item, ok := m.sessions.Get(sessionKey(id)); ok {
		if s, ok := item.(*Session); ok {
			s.Response += chunk
			s.Error = ""
		}
	}
	m.mu.Unlock()
	m.notify()
}
