package extractor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind identifies the shape of a column's output.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindBool
	KindFloat
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindStructured:
		return "structured"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrUnknownOutputType is returned when a descriptor names neither a
// primitive nor a registered structured schema.
var ErrUnknownOutputType = errors.New("extractor: unknown output type")

// OutputType is the resolved form of a column's output type descriptor:
// either a primitive kind or a named structured schema. Resolution
// happens once per column, not per invocation.
type OutputType struct {
	Kind       Kind
	SchemaName string // set when Kind == KindStructured

	schema    *jsonschema.Schema // compiled validator
	rawSchema map[string]any     // schema document, embedded in prompts
}

// SchemaDoc returns the raw JSON Schema document for a structured type,
// or nil for primitives.
func (t *OutputType) SchemaDoc() map[string]any {
	return t.rawSchema
}

// Registry maps structured-schema names to compiled JSON Schema
// validators. Safe for concurrent use: work units resolve concurrently
// but registration happens at configuration time.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*OutputType
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*OutputType)}
}

// Register compiles and stores a structured schema under the given name.
// The schema document must be a valid JSON Schema object with named,
// typed properties.
func (r *Registry) Register(name string, schemaDoc map[string]any) error {
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return fmt.Errorf("marshaling schema %q: %w", name, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("adding schema %q: %w", name, err)
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return fmt.Errorf("compiling schema %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[name] = &OutputType{
		Kind:       KindStructured,
		SchemaName: name,
		schema:     compiled,
		rawSchema:  schemaDoc,
	}
	return nil
}

// Resolve maps an output type descriptor to a concrete OutputType.
// Primitive descriptors are recognized in a few spellings; anything else
// is looked up as a registered structured schema.
func (r *Registry) Resolve(descriptor string) (*OutputType, error) {
	switch descriptor {
	case "str", "string", "text":
		return &OutputType{Kind: KindText}, nil
	case "int", "integer":
		return &OutputType{Kind: KindInt}, nil
	case "bool", "boolean":
		return &OutputType{Kind: KindBool}, nil
	case "float", "number":
		return &OutputType{Kind: KindFloat}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.schemas[descriptor]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOutputType, descriptor)
}
