package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas used to validate mapdata.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in formula schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error
	if err := sr.RegisterSchema("podman", builtinPodmanSchema, "#Podman"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers the definition named def
// under topic.
func (sr *SchemaRegistry) RegisterSchema(topic, schema, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", topic, err)
	}
	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s has no definition %s", topic, def)
	}

	sr.schemas[topic] = defVal
	return nil
}

// GetSchema retrieves the schema for a topic.
func (sr *SchemaRegistry) GetSchema(topic string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[topic]
	return val, ok
}

// ValidateMapdata validates resolved mapdata against the topic's schema.
// Topics without a schema pass.
func (sr *SchemaRegistry) ValidateMapdata(ctx context.Context, topic string, mapdata map[string]interface{}) error {
	schema, ok := sr.GetSchema(topic)
	if !ok {
		return nil
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(mapdata)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode mapdata: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("mapdata for %s failed validation: %w", topic, err)
	}
	return nil
}

// ListSchemas returns the registered topics in order.
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

const builtinPodmanSchema = `
#Name:    string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"
#NotName: string & !~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

#Container: {
	image:    string & !=""
	command?: string | [...string]
	env?: {[string]: string | number | bool}
	ports?: [...(string | int)]
	volumes?: [...string]
	labels?: {[string]: string}
	user?:   string & !=""
	state?:  *"running" | "present" | "dead" | "absent"
	remove?: bool
	...
}

#Secret: {
	data?:      string
	driver?:    string
	overwrite?: bool
	user?:      string & !=""
	absent?:    bool
	...
}

#Compose: {
	file:      string & =~"^/"
	contents?: string
	user?:     string & !=""
	state?:    *"running" | "installed" | "dead" | "absent"
	enable?:   bool
	remove_orphans?: bool
	volumes?:  bool
	...
}

#User: {
	linger?: bool
	socket?: bool
	...
}

#Podman: {
	version?: string & !=""
	lookup: {
		pkg: {
			name: string & !=""
			extra?: [...string]
			...
		}
		service: {
			name: string & !=""
			...
		}
		...
	}
	config?: {
		containers?: {...}
		registries?: {...}
		storage?: {...}
		...
	}
	service?: {
		enable?: bool
		...
	}
	containers?: {[#Name]: #Container, [#NotName]: _|_}
	secrets?: {[#Name]: #Secret, [#NotName]: _|_}
	users?: {[string]: #User}
	compose?: {[#Name]: #Compose, [#NotName]: _|_}
	...
}
`
