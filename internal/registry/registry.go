// Package registry is the catalog of callable tools. A Registry is built once
// at startup and never changes afterwards, so lookups need no locking.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// Type is a JSON Schema type name.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
	TypeObject  Type = "object"
)

// Param declares one named argument.
type Param struct {
	Name        string
	Type        Type
	Description string
	Required    bool
	// MaxLength caps string arguments, in bytes. Zero means no limit.
	MaxLength int
	// Items constrains array elements. Empty accepts any JSON value.
	Items Type
}

// Schema is the ordered list of a tool's arguments. Arguments not declared
// here are rejected.
type Schema struct {
	Params []Param
}

// Handler runs a tool against a leased connection. It must not keep conn
// after returning.
type Handler func(ctx context.Context, conn driver.Conn, args Args) (any, error)

// Tool is a named operation.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	Handler     Handler
	ReadOnly    bool
	// Precheck runs after schema validation and before any connection is
	// leased. Non-toolerr errors are reported as statement_rejected.
	Precheck func(args Args) error
	// StatementArg names the argument holding SQL text, used to pick the
	// statement timeout.
	StatementArg string
	// Timeout, when set, replaces the statement timeout rules for this tool.
	Timeout time.Duration
}

// Executor runs a validated call. The execution bridge implements it.
type Executor interface {
	Run(ctx context.Context, tool *Tool, args Args) (any, error)
}

// Builder collects tools before the registry is frozen.
type Builder struct {
	tools map[string]*Tool
	order []string
}

func NewBuilder() *Builder {
	return &Builder{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names must be unique.
func (b *Builder) Register(tool Tool) error {
	if strings.TrimSpace(tool.Name) == "" {
		return errors.New("registry: tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("registry: tool %q has no handler", tool.Name)
	}
	if _, exists := b.tools[tool.Name]; exists {
		return toolerr.New(toolerr.KindDuplicateTool, "tool %q is already registered", tool.Name)
	}
	seen := make(map[string]bool, len(tool.Schema.Params))
	for _, p := range tool.Schema.Params {
		if p.Name == "" {
			return fmt.Errorf("registry: tool %q has a parameter without a name", tool.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("registry: tool %q declares parameter %q twice", tool.Name, p.Name)
		}
		seen[p.Name] = true
		if !validType(p.Type) {
			return fmt.Errorf("registry: tool %q parameter %q has unknown type %q", tool.Name, p.Name, p.Type)
		}
		if p.Items != "" && (p.Type != TypeArray || !validType(p.Items)) {
			return fmt.Errorf("registry: tool %q parameter %q has invalid item type %q", tool.Name, p.Name, p.Items)
		}
	}

	t := tool
	t.Schema.Params = append([]Param(nil), tool.Schema.Params...)
	b.tools[t.Name] = &t
	b.order = append(b.order, t.Name)
	return nil
}

// Build freezes the collected tools. The builder must not be used afterwards.
func (b *Builder) Build() *Registry {
	r := &Registry{tools: b.tools, order: b.order}
	b.tools, b.order = nil, nil
	return r
}

func validType(t Type) bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Registry is an immutable set of tools.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// Lookup returns the named tool. The returned value must not be modified.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns every tool in registration order.
func (r *Registry) Tools() []*Tool {
	out := make([]*Tool, len(r.order))
	for i, name := range r.order {
		out[i] = r.tools[name]
	}
	return out
}

// Validate resolves name and checks raw against its schema. The returned Args
// hold normalized values: integers as int64, numbers as float64.
func (r *Registry) Validate(name string, raw map[string]any) (*Tool, Args, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, nil, toolerr.UnknownTool(name)
	}
	args, err := validateArgs(tool.Schema, raw)
	if err != nil {
		return tool, nil, err
	}
	if tool.Precheck != nil {
		if err := tool.Precheck(args); err != nil {
			var te *toolerr.Error
			if errors.As(err, &te) {
				return tool, nil, te
			}
			return tool, nil, toolerr.Wrap(toolerr.KindStatementRejected, err, "")
		}
	}
	return tool, args, nil
}

// ValidateAndDispatch validates the call and hands it to exec. Nothing reaches
// exec unless validation passed.
func (r *Registry) ValidateAndDispatch(ctx context.Context, name string, raw map[string]any, exec Executor) (any, error) {
	tool, args, err := r.Validate(name, raw)
	if err != nil {
		return nil, err
	}
	return exec.Run(ctx, tool, args)
}

func validateArgs(schema Schema, raw map[string]any) (Args, error) {
	declared := make(map[string]bool, len(schema.Params))
	for _, p := range schema.Params {
		declared[p.Name] = true
	}
	unknown := make([]string, 0)
	for k := range raw {
		if !declared[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, toolerr.SchemaValidation(unknown[0], "unknown argument")
	}

	args := make(Args, len(schema.Params))
	for _, p := range schema.Params {
		v, present := raw[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, toolerr.SchemaValidation(p.Name, "required argument is missing")
			}
			continue
		}
		nv, err := checkValue(p.Name, p.Type, v)
		if err != nil {
			return nil, err
		}
		switch p.Type {
		case TypeString:
			s := nv.(string)
			if p.Required && strings.TrimSpace(s) == "" {
				return nil, toolerr.SchemaValidation(p.Name, "must not be empty")
			}
			if p.MaxLength > 0 && len(s) > p.MaxLength {
				return nil, toolerr.SchemaValidation(p.Name, "length %d exceeds maximum of %d bytes", len(s), p.MaxLength)
			}
		case TypeArray:
			if p.Items != "" {
				items := nv.([]any)
				for i, item := range items {
					field := fmt.Sprintf("%s[%d]", p.Name, i)
					checked, err := checkValue(field, p.Items, item)
					if err != nil {
						return nil, err
					}
					items[i] = checked
				}
			}
		}
		args[p.Name] = nv
	}
	return args, nil
}

func checkValue(field string, want Type, v any) (any, error) {
	mismatch := func() error {
		return toolerr.SchemaValidation(field, "expected %s, got %s", want, jsonType(v))
	}
	switch want {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		if !utf8.ValidString(s) {
			return nil, toolerr.SchemaValidation(field, "not valid UTF-8")
		}
		return s, nil
	case TypeInteger:
		if i, ok := toInt64(v); ok {
			return i, nil
		}
		return nil, mismatch()
	case TypeNumber:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
		return nil, mismatch()
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil
	case TypeArray:
		a, ok := v.([]any)
		if !ok {
			return nil, mismatch()
		}
		return a, nil
	case TypeObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, mismatch()
		}
		return m, nil
	}
	return nil, mismatch()
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
