package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// operationSchema constrains the shape of structured operation fields.
// Namespace and name follow DNS-1123; selectors follow label-selector
// grammar; flag keys are kebab-case. Anything outside the shape is parameter
// smuggling until proven otherwise — the schema is the allowlist, not a
// blocklist.
const operationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "verb":      {"type": "string", "pattern": "^[a-z][a-z-]{0,30}$"},
    "resource":  {"type": "string", "pattern": "^[a-z][a-z0-9.-]{0,62}$"},
    "namespace": {"type": "string", "pattern": "^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$"},
    "name":      {"type": "string", "pattern": "^[a-z0-9]([a-z0-9.-]{0,251}[a-z0-9])?$"},
    "selector":  {"type": "string", "maxLength": 512},
    "flags": {
      "type": "object",
      "propertyNames": {"pattern": "^[a-z][a-z0-9-]{0,62}$"},
      "additionalProperties": {"type": "string", "maxLength": 1024}
    }
  },
  "required": ["verb"]
}`

var compiledOperationSchema = mustCompileSchema("operation.schema.json", operationSchema)

func mustCompileSchema(name, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://kubegate.schemas.local/sanitize/" + name
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		panic(fmt.Sprintf("sanitize: schema %s load: %v", name, err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("sanitize: schema %s compile: %v", name, err))
	}
	return s
}

// valueMetachars match shell metacharacters smuggled inside flag values,
// selectors, or namespaces, where they would extend the operation when the
// command is rendered for the cluster CLI.
var valueMetachars = regexp.MustCompile("[;&|`$<>\\\\\n\r]")

// paramFinding is an intermediate parameter-injection detection.
type paramFinding struct {
	RuleID string
	Reason string
	Field  string
	Value  string
}

// analyzeParameters validates the structured operation against the shape
// schema and scans every free-form value for embedded metacharacters.
func analyzeParameters(op contracts.Operation) []paramFinding {
	var findings []paramFinding

	doc := map[string]any{
		"verb":     string(op.Verb),
		"resource": op.Resource,
	}
	if op.Namespace != "" {
		doc["namespace"] = op.Namespace
	}
	if op.Name != "" {
		doc["name"] = op.Name
	}
	if op.Selector != "" {
		doc["selector"] = op.Selector
	}
	if len(op.Flags) > 0 {
		flags := make(map[string]any, len(op.Flags))
		for k, v := range op.Flags {
			flags[k] = v
		}
		doc["flags"] = flags
	}

	if err := compiledOperationSchema.Validate(doc); err != nil {
		findings = append(findings, paramFinding{
			RuleID: "param-schema",
			Reason: fmt.Sprintf("operation shape validation failed: %v", schemaErrorSummary(err)),
			Field:  "operation",
		})
	}

	check := func(field, value string) {
		if value == "" {
			return
		}
		if loc := valueMetachars.FindStringIndex(value); loc != nil {
			findings = append(findings, paramFinding{
				RuleID: "param-metachar",
				Reason: fmt.Sprintf("shell metacharacter %q inside %s value", value[loc[0]:loc[1]], field),
				Field:  field,
				Value:  value,
			})
		}
	}

	check("namespace", op.Namespace)
	check("name", op.Name)
	check("selector", op.Selector)
	for k, v := range op.Flags {
		check("flag --"+k, v)
	}

	return findings
}

// schemaErrorSummary keeps validation errors to one actionable line.
func schemaErrorSummary(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		loc = "operation"
	}
	return loc + ": " + leaf.Message
}
