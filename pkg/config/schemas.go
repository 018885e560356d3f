package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/openfroyo/broker/pkg/engine"
)

// attributesDef is the definition a schema must declare. Definitions are
// closed, so attributes the schema does not name are rejected.
const attributesDef = "#Attributes"

// SchemaError describes one attribute that failed validation.
type SchemaError struct {
	Path    string
	Line    int
	Column  int
	Message string
}

// ValidationError collects the schema errors of one order.
type ValidationError struct {
	ResourceType string
	Errors       []SchemaError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, se := range e.Errors {
		msgs = append(msgs, se.Message)
	}
	return fmt.Sprintf("invalid attributes for %s: %s", e.ResourceType, strings.Join(msgs, "; "))
}

// SchemaRegistry holds the CUE attribute schema of each resource type.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	for rt, src := range builtinSchemas {
		if err := sr.RegisterSchema(rt, src); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", rt, err))
		}
	}
	return sr
}

// RegisterSchema compiles schema and registers it for resourceType,
// replacing any earlier schema.
func (sr *SchemaRegistry) RegisterSchema(resourceType, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(resourceType+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", resourceType, err)
	}
	def := val.LookupPath(cue.ParsePath(attributesDef))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", resourceType, attributesDef)
	}

	sr.schemas[resourceType] = def
	return nil
}

// RegisterSchemaFile reads a schema from path.
func (sr *SchemaRegistry) RegisterSchemaFile(resourceType, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return sr.RegisterSchema(resourceType, string(data))
}

// Configure registers the schemas declared by the resource type catalog.
func (sr *SchemaRegistry) Configure(types map[string]ResourceTypeConfig) error {
	for rt, t := range types {
		var err error
		switch {
		case t.Schema != "":
			err = sr.RegisterSchema(rt, t.Schema)
		case t.SchemaFile != "":
			err = sr.RegisterSchemaFile(rt, t.SchemaFile)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// HasSchema reports whether resourceType has a schema.
func (sr *SchemaRegistry) HasSchema(resourceType string) bool {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	_, ok := sr.schemas[resourceType]
	return ok
}

// ListSchemas returns the resource types with a schema, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks attrs against the schema of resourceType. Resource types
// without a schema accept any attributes. A failure is a *ValidationError.
func (sr *SchemaRegistry) Validate(resourceType string, attrs engine.Attributes) error {
	// A cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[resourceType]
	if !ok {
		return nil
	}

	data := sr.ctx.Encode(normalize(map[string]interface{}(attrs)))
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{ResourceType: resourceType, Errors: schemaErrors(err)}
	}
	return nil
}

func schemaErrors(err error) []SchemaError {
	var out []SchemaError
	for _, e := range errors.Errors(err) {
		se := SchemaError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			se.Line = pos[0].Line()
			se.Column = pos[0].Column()
		}
		se.Message = strings.TrimSpace(se.Message)
		out = append(out, se)
	}
	return out
}

// normalize turns whole floats into ints. JSON decoding yields float64 for
// every number, which CUE would refuse for int fields.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case engine.Attributes:
		return normalize(map[string]interface{}(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

var builtinSchemas = map[string]string{
	"vm":             builtinVMSchema,
	"namespace":      builtinNamespaceSchema,
	"hpc-allocation": builtinHPCSchema,
}

const builtinVMSchema = `
// Virtual machine on an IaaS backend.
#Attributes: {
	// Either an explicit server type or a cores/RAM request.
	server_type?: string & =~"^[a-z0-9-]+$"
	cores?:       int & >=1 & <=64
	ram_gb?:      number & >0 & <=512

	image?:    string
	location?: string
	ssh_keys?: [...string]
	labels?: {[string]: string}
}
`

const builtinNamespaceSchema = `
// Namespace tenancy on a container cluster.
#Attributes: {
	cores?:  number & >0 & <=512
	ram_gb?: number & >0 & <=4096
	pods?:   int & >=1 & <=2000
}
`

const builtinHPCSchema = `
// Batch scheduler allocation, limits in hours per billing month.
#Attributes: {
	cpu_hours:     number & >0
	gpu_hours?:    number & >=0
	ram_gb_hours?: number & >=0
	description?:  string
}
`
