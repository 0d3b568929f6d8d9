// Package agent runs a bounded plan-act reasoning loop over a document
// retrieval tool. Given an evidence block, the agent hunts down defined
// terms and cross-referenced sections, issuing at most MaxSteps tool
// calls before it must answer. There is no recursion: the tool searches
// the document index directly and never re-enters the agent.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/abelrugaju/opencontracts/llm"
)

// SearchTool exposes retrieval over one document to the agent.
type SearchTool interface {
	// Search returns formatted passages of the document relevant to the
	// query, or an empty string when nothing matches.
	Search(ctx context.Context, docID int64, query string) (string, error)
}

// Config holds agent configuration.
type Config struct {
	MaxSteps int           // plan-act iterations before a forced answer (default 5)
	Timeout  time.Duration // wall-clock bound for the whole loop (default 2m)
}

// Step records one iteration of the loop.
type Step struct {
	Step      int    `json:"step"`
	Action    string `json:"action"` // "search" or "finish"
	Input     string `json:"input,omitempty"`
	Output    string `json:"output,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
}

// Result is the agent's final output.
type Result struct {
	Text        string `json:"text"`
	Steps       []Step `json:"steps"`
	TotalTokens int    `json:"total_tokens"`
}

// ErrTimeout is returned when the agent exhausts its step budget or
// wall-clock deadline without producing an answer.
var ErrTimeout = errors.New("agent: step budget or deadline exceeded")

// Engine drives the loop.
type Engine struct {
	chat llm.Provider
	tool SearchTool
	cfg  Config
}

// New creates an agent engine.
func New(chat llm.Provider, tool SearchTool, cfg Config) *Engine {
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Engine{chat: chat, tool: tool, cfg: cfg}
}

const systemPrompt = `You are a contract analysis agent with access to a document search tool.
You respond ONLY with a single JSON object, one of:
  {"action": "search", "query": "<text to search the document for>"}
  {"action": "finish", "output": "<your final analysis>"}
Use "search" to look up definitions or referenced sections. Use "finish" when you have gathered enough.`

const taskTemplate = `Please identify all of the defined terms - capitalized terms that are not well-known proper nouns, terms in quotation marks, or terms that are clearly definitions in the context of a given sentence - and find their definitions. Likewise, if you see a section reference, try to retrieve the original section text. Your final output must look like this:

### Related sections and definitions ##########

[defined term name]: definition
...

[section name]: text
...

Now, given the text to analyze below, please perform the analysis for this original text:
%s`

// action is the agent's parsed response.
type action struct {
	Action string `json:"action"`
	Query  string `json:"query,omitempty"`
	Output string `json:"output,omitempty"`
}

// Analyze runs the loop over the evidence block for one document.
// The step budget and timeout bound total latency per work unit; hitting
// either returns ErrTimeout so the caller can decide whether to degrade.
func (e *Engine) Analyze(ctx context.Context, docID int64, evidence string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf(taskTemplate, evidence)},
	}

	result := &Result{}

	for step := 1; step <= e.cfg.MaxSteps; step++ {
		stepStart := time.Now()

		resp, err := e.chat.Chat(ctx, llm.ChatRequest{
			Messages:       messages,
			Temperature:    0,
			ResponseFormat: "json_object",
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("agent step %d: %w", step, err)
		}
		result.TotalTokens += resp.TotalTokens

		act, err := parseAction(resp.Content)
		if err != nil {
			// Treat an unparseable response as the final answer rather
			// than burning the remaining budget on a confused model.
			slog.Warn("agent: unparseable action, treating as final answer",
				"step", step, "error", err)
			result.Text = resp.Content
			result.Steps = append(result.Steps, Step{
				Step: step, Action: "finish", Output: resp.Content,
				ElapsedMs: time.Since(stepStart).Milliseconds(),
			})
			return result, nil
		}

		switch act.Action {
		case "finish":
			result.Text = act.Output
			result.Steps = append(result.Steps, Step{
				Step: step, Action: "finish", Output: act.Output,
				ElapsedMs: time.Since(stepStart).Milliseconds(),
			})
			return result, nil

		case "search":
			observation, err := e.tool.Search(ctx, docID, act.Query)
			if err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
				}
				observation = fmt.Sprintf("search failed: %v", err)
			}
			if observation == "" {
				observation = "no matching passages found"
			}
			result.Steps = append(result.Steps, Step{
				Step: step, Action: "search", Input: act.Query, Output: observation,
				ElapsedMs: time.Since(stepStart).Milliseconds(),
			})
			slog.Debug("agent: search step",
				"step", step, "query", act.Query, "observation_len", len(observation))

			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: "Search result:\n" + observation +
					"\n\nContinue. Respond with a JSON action."},
			)

		default:
			return nil, fmt.Errorf("agent step %d: unknown action %q", step, act.Action)
		}
	}

	return nil, fmt.Errorf("%w: no answer after %d steps", ErrTimeout, e.cfg.MaxSteps)
}

// parseAction decodes the model's JSON action, tolerating fenced code
// blocks around the object.
func parseAction(content string) (*action, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var act action
	if err := json.Unmarshal([]byte(text), &act); err != nil {
		return nil, fmt.Errorf("decoding action: %w", err)
	}
	if act.Action == "" {
		return nil, fmt.Errorf("missing action field")
	}
	return &act, nil
}
