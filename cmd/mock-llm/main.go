// Package main implements a mock LLM server so a backtest batch, its critic
// diagnosis and the refinement plan can run offline and deterministically.
// It serves OpenAI-compatible /v1/chat/completions responses from fixture
// files, routing by the "model" field in the request.
//
// Usage:
//
//	mock-llm --fixtures /path/to/fixtures --port 11434
//
// Fixture files are named by model: "mediator-model.json" answers requests for
// model "mediator-model". JSON fixtures must be valid JSON; ".txt" fixtures are
// served verbatim, which is how an unparseable mediator turn is staged.
//
// Sequential fixtures: numbered files ("mediator-model.1.json",
// "mediator-model.2.txt") answer the Nth call to that model in order. After
// they are used up the base file repeats, or the last numbered one if there is
// no base file. This lets one fixture set script a conversation whose
// temperature falls turn by turn.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

// capturedRequest is one served request, kept for prompt assertions.
type capturedRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	CallIndex   int           `json:"call_index"` // 1-indexed per model
}

type server struct {
	fixtures map[string][]string // model → ordered fixture contents
	logger   *slog.Logger

	mu       sync.Mutex
	total    int
	calls    map[string]int
	requests map[string][]capturedRequest
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures: fixtures,
		logger:   logger,
		calls:    make(map[string]int),
		requests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		port       int
	)
	cmd := &cobra.Command{
		Use:          "mock-llm",
		Short:        "Serve mediator and critic fixtures over an OpenAI-compatible API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fixtureDir == "" {
				fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
			}
			if fixtureDir == "" {
				fixtureDir = "/fixtures"
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			fixtures, err := loadFixtures(fixtureDir)
			if err != nil {
				return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
			}
			for _, model := range sortedKeys(fixtures) {
				logger.Info("Loaded fixtures", "model", model, "count", len(fixtures[model]))
			}

			addr := fmt.Sprintf(":%d", port)
			srv := &http.Server{
				Addr:              addr,
				Handler:           newServer(fixtures, logger).routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			logger.Info("Mock LLM server listening", "addr", addr)
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory containing fixture response files (env MOCK_LLM_FIXTURES)")
	cmd.Flags().IntVar(&port, "port", 11434, "Port to listen on")
	return cmd
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// resolve finds the fixture sequence for a model, also trying the name
// without a "mock-" prefix.
func (s *server) resolve(model string) ([]string, bool) {
	if seq, ok := s.fixtures[model]; ok {
		return seq, true
	}
	seq, ok := s.fixtures[strings.TrimPrefix(model, "mock-")]
	return seq, ok
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	seq, ok := s.resolve(req.Model)
	if !ok {
		s.logger.Warn("No fixture for model", "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.total++
	s.calls[req.Model]++
	callIndex := s.calls[req.Model]
	s.requests[req.Model] = append(s.requests[req.Model], capturedRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		CallIndex:   callIndex,
	})
	s.mu.Unlock()

	content := seq[len(seq)-1]
	if callIndex <= len(seq) {
		content = seq[callIndex-1]
	}

	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%s-%d", req.Model, callIndex),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptChars / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (promptChars + len(content)) / 4,
		},
	}

	s.logger.Debug("Served fixture", "model", req.Model, "call", callIndex, "of", len(seq), "bytes", len(content))
	writeJSON(w, resp)
}

// handleModels lists the fixture models (Ollama-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := make([]modelEntry, 0, len(s.fixtures))
	for _, name := range sortedKeys(s.fixtures) {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, map[string]any{"object": "list", "data": models})
}

// handleStats returns total_calls and calls_by_model.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.calls))
	for model, n := range s.calls {
		byModel[model] = n
	}
	total := s.total
	s.mu.Unlock()

	writeJSON(w, map[string]any{"total_calls": total, "calls_by_model": byModel})
}

// handleRequests returns captured requests, optionally filtered by the
// "model" and 1-indexed "call" query parameters.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	out := make(map[string][]capturedRequest)
	for model, reqs := range s.requests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter == 0 || req.CallIndex == callFilter {
				out[model] = append(out[model], req)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"requests_by_model": out})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fixtureNameRe splits "model.json", "model.3.json" and "model.2.txt".
var fixtureNameRe = regexp.MustCompile(`^(.+?)(?:\.(\d+))?\.(json|txt)$`)

// loadFixtures reads fixture files below dir into model → ordered contents.
// Numbered files come first in numeric order, then the base file.
func loadFixtures(dir string) (map[string][]string, error) {
	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := fixtureNameRe.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if m[3] == "json" && !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		model := m[1]
		if m[2] == "" {
			base[model] = string(data)
			return nil
		}
		index, _ := strconv.Atoi(m[2])
		if numbered[model] == nil {
			numbered[model] = make(map[int]string)
		}
		numbered[model][index] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	for model, byIndex := range numbered {
		indices := make([]int, 0, len(byIndex))
		for i := range byIndex {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			fixtures[model] = append(fixtures[model], byIndex[i])
		}
	}
	for model, content := range base {
		fixtures[model] = append(fixtures[model], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
