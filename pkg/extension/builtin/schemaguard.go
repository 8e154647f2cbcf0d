package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
	"github.com/vorion-labs/vorion/pkg/extension"
)

// SchemaGuard validates capability requests against a JSON Schema during
// preCheck, and can tighten issued grants with a declared constraint.
type SchemaGuard struct {
	schema     *jsonschema.Schema
	constraint *contracts.Constraint
}

var (
	_ extension.Provider   = (*SchemaGuard)(nil)
	_ extension.PreChecker = (*SchemaGuard)(nil)
)

// NewSchemaGuard compiles the given JSON Schema. The optional constraint is
// attached to every allowed request.
func NewSchemaGuard(schemaJSON []byte, constraint *contracts.Constraint) (*SchemaGuard, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("request.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, apierror.Validation("schema resource: %v", err)
	}
	schema, err := compiler.Compile("request.schema.json")
	if err != nil {
		return nil, apierror.Validation("schema does not compile: %v", err)
	}
	return &SchemaGuard{schema: schema, constraint: constraint}, nil
}

func (g *SchemaGuard) Descriptor() contracts.ExtensionDescriptor {
	return contracts.ExtensionDescriptor{
		ID:        "aci-ext-schemaguard-v1",
		ShortCode: "schema",
		Version:   "1.0.0",
		Publisher: "vorion",
		Name:      "request schema guard",
	}
}

// PreCheck validates the capability request's JSON shape against the schema.
func (g *SchemaGuard) PreCheck(_ context.Context, _ *contracts.AgentIdentity, req *contracts.CapabilityRequest) (*extension.PreCheckResult, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := g.schema.Validate(doc); err != nil {
		return &extension.PreCheckResult{
			Allow:  false,
			Reason: fmt.Sprintf("request fails schema validation: %v", err),
		}, nil
	}
	res := &extension.PreCheckResult{Allow: true}
	if g.constraint != nil {
		res.Constraints = []contracts.Constraint{*g.constraint}
	}
	return res, nil
}
