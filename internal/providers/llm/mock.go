package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MockClient replays scripted responses in order. Once the script runs
// out the last response repeats. Used by tests and offline development.
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	// ChunkSize splits streamed responses into chunks of this many bytes.
	ChunkSize int
	Prompts   []string
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.next(prompt)
}

func (m *MockClient) GenerateTextStream(ctx context.Context, prompt string, onDelta func(string) error) error {
	txt, err := m.next(prompt)
	if err != nil {
		return err
	}
	size := m.ChunkSize
	if size <= 0 {
		size = 16
	}
	for len(txt) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := size
		if n > len(txt) {
			n = len(txt)
		}
		if err := onDelta(txt[:n]); err != nil {
			return err
		}
		txt = txt[n:]
	}
	return nil
}

// Calls returns how many prompts the mock has received.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}

func (m *MockClient) next(prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prompts = append(m.Prompts, prompt)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", errors.New("mock: no scripted response")
	}
	i := len(m.Prompts) - 1
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	return strings.Clone(m.Responses[i]), nil
}
