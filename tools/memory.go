// Package tools exposes memory operations as agent tool definitions.
//
// The owner scope is fixed by the host when the Executor is created, never
// taken from tool input, so a model cannot read another scope's memories.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/becomeliminal/nim-memory/memory"
)

// ErrUnknownTool is returned for tool names not served by the Executor.
var ErrUnknownTool = errors.New("unknown tool")

// Tool names.
const (
	SaveMemory     = "save_memory"
	SearchMemories = "search_memories"
	GetMemory      = "get_memory"
	DeleteMemory   = "delete_memory"
)

// Definition describes one tool to an LLM.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`

	// RequiresUserConfirmation marks destructive tools.
	RequiresUserConfirmation bool `json:"requires_user_confirmation,omitempty"`
}

// Definitions returns the definitions for all memory tools.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        SaveMemory,
			Description: "Remember a fact, preference or note for later. Content is stored encrypted.",
			InputSchema: BuildSchemaWithThought(map[string]any{
				"text":     StringProperty("The text to remember"),
				"tags":     ArrayProperty("Optional tags, e.g. 'finance' or 'social'", StringProperty("")),
				"metadata": ObjectProperty("Optional flat key/value metadata (strings, numbers, booleans)"),
			}, false, "text"),
		},
		{
			Name:        SearchMemories,
			Description: "Search memories by meaning. Leave query empty to list the newest memories matching the filters.",
			InputSchema: BuildSchemaWithThought(map[string]any{
				"query":           StringProperty("What to look for, in natural language"),
				"limit":           IntegerProperty("Maximum results (default: 10, max: 100)"),
				"tags":            ArrayProperty("Only memories with these tags", StringProperty("")),
				"tag_match":       StringEnumProperty("Whether any or all tags must match (default: any)", "any", "all"),
				"from":            StringProperty("Optional: earliest creation time, RFC 3339"),
				"to":              StringProperty("Optional: latest creation time, RFC 3339"),
				"min_similarity":  NumberProperty("Optional: similarity threshold between -1 and 1"),
				"metadata_filter": StringProperty("Optional CEL expression over metadata, e.g. metadata.priority > 2"),
			}, false),
		},
		{
			Name:        GetMemory,
			Description: "Fetch one memory by ID.",
			InputSchema: BuildSchemaWithThought(map[string]any{
				"id": StringProperty("Memory ID"),
			}, false, "id"),
		},
		{
			Name:                     DeleteMemory,
			Description:              "Permanently forget a memory. Requires confirmation.",
			RequiresUserConfirmation: true,
			InputSchema: BuildSchemaWithThought(map[string]any{
				"id": StringProperty("Memory ID"),
			}, true, "id"),
		},
	}
}

// Engine is the subset of *memory.Engine the tools call.
type Engine interface {
	Add(ctx context.Context, req memory.AddRequest) (string, error)
	Search(ctx context.Context, req memory.SearchRequest) (*memory.SearchResponse, error)
	Get(ctx context.Context, id string, ownerScope string) (*memory.Result, error)
	Delete(ctx context.Context, id string, ownerScope string) (bool, error)
}

// Executor runs memory tool calls for one owner scope.
type Executor struct {
	engine     Engine
	ownerScope string
}

// NewExecutor binds tool calls to ownerScope.
func NewExecutor(engine Engine, ownerScope string) *Executor {
	return &Executor{engine: engine, ownerScope: ownerScope}
}

// baseInput carries the optional reasoning every tool accepts.
type baseInput struct {
	Thought string `json:"thought,omitempty"`
}

type saveInput struct {
	baseInput
	Text     string         `json:"text"`
	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
}

type searchInput struct {
	baseInput
	Query          string   `json:"query"`
	Limit          int      `json:"limit"`
	Tags           []string `json:"tags"`
	TagMatch       string   `json:"tag_match"`
	From           string   `json:"from"`
	To             string   `json:"to"`
	MinSimilarity  *float64 `json:"min_similarity"`
	MetadataFilter string   `json:"metadata_filter"`
}

type idInput struct {
	baseInput
	ID string `json:"id"`
}

// Execute runs the named tool with JSON input and returns a JSON result.
func (x *Executor) Execute(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	var (
		out any
		err error
	)
	switch name {
	case SaveMemory:
		out, err = x.save(ctx, input)
	case SearchMemories:
		out, err = x.search(ctx, input)
	case GetMemory:
		out, err = x.get(ctx, input)
	case DeleteMemory:
		out, err = x.delete(ctx, input)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", name, err)
	}
	return b, nil
}

func decode(input json.RawMessage, v any) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("%w: parse tool input: %w", memory.ErrInvalidInput, err)
	}
	return nil
}

func (x *Executor) save(ctx context.Context, input json.RawMessage) (any, error) {
	var in saveInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	id, err := x.engine.Add(ctx, memory.AddRequest{
		Text:       in.Text,
		Tags:       in.Tags,
		Metadata:   in.Metadata,
		OwnerScope: x.ownerScope,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (x *Executor) search(ctx context.Context, input json.RawMessage) (any, error) {
	var in searchInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	req := memory.SearchRequest{
		Query:          in.Query,
		TopK:           in.Limit,
		OwnerScope:     x.ownerScope,
		Tags:           in.Tags,
		MinSimilarity:  in.MinSimilarity,
		MetadataFilter: in.MetadataFilter,
	}
	switch in.TagMatch {
	case "", "any":
	case "all":
		req.TagMatch = memory.TagMatchAll
	default:
		return nil, fmt.Errorf("%w: tag_match must be any or all", memory.ErrInvalidInput)
	}
	var err error
	if req.From, err = parseTime("from", in.From); err != nil {
		return nil, err
	}
	if req.To, err = parseTime("to", in.To); err != nil {
		return nil, err
	}
	return x.engine.Search(ctx, req)
}

func parseTime(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339", memory.ErrInvalidInput, field)
	}
	return t, nil
}

func (x *Executor) get(ctx context.Context, input json.RawMessage) (any, error) {
	var in idInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return x.engine.Get(ctx, in.ID, x.ownerScope)
}

func (x *Executor) delete(ctx context.Context, input json.RawMessage) (any, error) {
	var in idInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	deleted, err := x.engine.Delete(ctx, in.ID, x.ownerScope)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": deleted}, nil
}
