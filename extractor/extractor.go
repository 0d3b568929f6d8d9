// Package extractor performs schema-constrained structured extraction:
// free text goes in, a validated typed value (or list of values) comes
// out. This is the trust boundary where model output is coerced into
// data, so validation failures carry readable diagnostics including the
// offending output.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/abelrugaju/opencontracts/llm"
)

// SchemaMismatchError reports model output that could not be coerced to
// the requested schema.
type SchemaMismatchError struct {
	Schema string // schema name or primitive kind
	Detail string // what failed
	Raw    string // the offending model output (truncated)
}

func (e *SchemaMismatchError) Error() string {
	raw := e.Raw
	if len(raw) > 500 {
		raw = raw[:500] + "..."
	}
	return fmt.Sprintf("SchemaMismatch: output does not conform to %s: %s (output: %s)",
		e.Schema, e.Detail, raw)
}

// Extractor casts free text into typed values via a generation model in
// JSON mode.
type Extractor struct {
	chat llm.Provider
}

// New creates an extractor over the given chat provider.
func New(chat llm.Provider) *Extractor {
	return &Extractor{chat: chat}
}

const extractSystemPrompt = `You are a precise data extraction engine for contract analysis.
You read the provided document text and extract exactly the requested value(s).
You respond ONLY with a JSON object in the requested envelope, nothing else.
If the text does not contain the requested information, extract your best literal reading of it; never invent values.`

// Extract casts text into a single value conforming to the output type.
// ExtractList casts into an ordered list of conforming values. Both fail
// with *SchemaMismatchError when the model's output cannot be coerced.
func (x *Extractor) Extract(ctx context.Context, text string, t *OutputType, instructions string) (any, error) {
	raw, err := x.generate(ctx, text, t, instructions, false)
	if err != nil {
		return nil, err
	}
	envelope, err := decodeEnvelope(raw, t)
	if err != nil {
		return nil, err
	}
	if envelope.Value == nil {
		return nil, &SchemaMismatchError{Schema: schemaLabel(t), Detail: "missing \"value\" field", Raw: raw}
	}
	return x.coerce(*envelope.Value, t, raw)
}

// ExtractList casts text into an ordered list of schema-conforming values.
func (x *Extractor) ExtractList(ctx context.Context, text string, t *OutputType, instructions string) ([]any, error) {
	raw, err := x.generate(ctx, text, t, instructions, true)
	if err != nil {
		return nil, err
	}
	envelope, err := decodeEnvelope(raw, t)
	if err != nil {
		return nil, err
	}
	if envelope.Values == nil {
		return nil, &SchemaMismatchError{Schema: schemaLabel(t), Detail: "missing \"values\" field", Raw: raw}
	}

	out := make([]any, 0, len(envelope.Values))
	for i, v := range envelope.Values {
		coerced, err := x.coerce(v, t, raw)
		if err != nil {
			if sm, ok := err.(*SchemaMismatchError); ok {
				sm.Detail = fmt.Sprintf("element %d: %s", i, sm.Detail)
			}
			return nil, err
		}
		out = append(out, coerced)
	}
	return out, nil
}

func (x *Extractor) generate(ctx context.Context, text string, t *OutputType, instructions string, isList bool) (string, error) {
	var b strings.Builder

	if isList {
		b.WriteString("Extract a LIST of values from the text below.\n")
		b.WriteString("Respond with a JSON object of the form {\"values\": [...]}.\n\n")
	} else {
		b.WriteString("Extract a single value from the text below.\n")
		b.WriteString("Respond with a JSON object of the form {\"value\": ...}.\n\n")
	}

	switch t.Kind {
	case KindText:
		b.WriteString("Each value must be a plain string.\n")
	case KindInt:
		b.WriteString("Each value must be a JSON integer.\n")
	case KindBool:
		b.WriteString("Each value must be a JSON boolean.\n")
	case KindFloat:
		b.WriteString("Each value must be a JSON number.\n")
	case KindStructured:
		doc, err := json.Marshal(t.rawSchema)
		if err != nil {
			return "", fmt.Errorf("marshaling schema for prompt: %w", err)
		}
		fmt.Fprintf(&b, "Each value must be an object conforming to this JSON Schema (%s):\n%s\n",
			t.SchemaName, string(doc))
	}

	if instructions != "" {
		fmt.Fprintf(&b, "\nInstructions: %s\n", instructions)
	}
	fmt.Fprintf(&b, "\nText:\n%s\n", text)

	resp, err := x.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: extractSystemPrompt},
			{Role: "user", Content: b.String()},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return "", fmt.Errorf("extraction generation: %w", err)
	}
	return resp.Content, nil
}

// envelope is the expected response wrapper. Values are kept as raw JSON
// so numeric coercion can distinguish integers from floats.
type envelope struct {
	Value  *json.RawMessage  `json:"value"`
	Values []json.RawMessage `json:"values"`
}

func decodeEnvelope(raw string, t *OutputType) (*envelope, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return nil, &SchemaMismatchError{
			Schema: schemaLabel(t),
			Detail: fmt.Sprintf("output is not a JSON envelope: %v", err),
			Raw:    raw,
		}
	}
	return &env, nil
}

// coerce converts one raw JSON value into the requested Go representation.
func (x *Extractor) coerce(raw json.RawMessage, t *OutputType, fullOutput string) (any, error) {
	mismatch := func(detail string) error {
		return &SchemaMismatchError{Schema: schemaLabel(t), Detail: detail, Raw: fullOutput}
	}

	switch t.Kind {
	case KindText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, mismatch(fmt.Sprintf("expected string, got %s", string(raw)))
		}
		return s, nil

	case KindInt:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, mismatch(fmt.Sprintf("expected integer, got %s", string(raw)))
		}
		i, err := n.Int64()
		if err != nil {
			return nil, mismatch(fmt.Sprintf("expected integer, got %s", n.String()))
		}
		return i, nil

	case KindBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, mismatch(fmt.Sprintf("expected boolean, got %s", string(raw)))
		}
		return v, nil

	case KindFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, mismatch(fmt.Sprintf("expected number, got %s", string(raw)))
		}
		return f, nil

	case KindStructured:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, mismatch(fmt.Sprintf("invalid JSON value: %v", err))
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, mismatch(fmt.Sprintf("expected object, got %s", string(raw)))
		}
		if err := t.schema.Validate(obj); err != nil {
			return nil, mismatch(fmt.Sprintf("schema validation failed: %v", err))
		}
		return obj, nil

	default:
		return nil, fmt.Errorf("%w: kind %v", ErrUnknownOutputType, t.Kind)
	}
}

func schemaLabel(t *OutputType) string {
	if t.Kind == KindStructured {
		return t.SchemaName
	}
	return t.Kind.String()
}
