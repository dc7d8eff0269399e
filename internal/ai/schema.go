package ai

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaMu    sync.Mutex
	schemaCache = make(map[string]*jsonschema.Schema)
)

// ValidateJSON validates data against schema. Compiled schemas are cached
// by content.
func ValidateJSON(schema map[string]any, data []byte) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, "ai: unmarshal output")
	}
	if err := compiled.Validate(v); err != nil {
		return eris.Wrap(err, "ai: output does not match schema")
	}
	return nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, eris.Wrap(err, "ai: marshal schema")
	}
	sum := sha256.Sum256(b)
	key := hex.EncodeToString(sum[:8])

	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[key]; ok {
		return s, nil
	}

	url := "mem://schema/" + key + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, eris.Wrap(err, "ai: add schema")
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, eris.Wrap(err, "ai: compile schema")
	}
	schemaCache[key] = s
	return s, nil
}
