package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Job specs and dispute evidence are caller-supplied JSON. Both are
// validated at ingestion so malformed documents never reach the journal.
const jobSpecSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"task": {"type": "string", "minLength": 1},
		"model": {"type": "string"},
		"params": {"type": "object"}
	},
	"required": ["task"],
	"additionalProperties": true
}`

const disputeEvidenceSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"description": {"type": "string"},
		"artifacts": {
			"type": "array",
			"items": {"type": "string"}
		}
	},
	"additionalProperties": true
}`

var (
	jobSpecValidator         *jsonschema.Schema
	disputeEvidenceValidator *jsonschema.Schema
)

func init() {
	jobSpecValidator = jsonschema.MustCompileString("job-spec.json", jobSpecSchema)
	disputeEvidenceValidator = jsonschema.MustCompileString("dispute-evidence.json", disputeEvidenceSchema)
}

func validateAgainst(schema *jsonschema.Schema, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		// The validator's multi-line output is collapsed for the wire.
		return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), "\n", "; "))
	}
	return nil
}

// ValidateJobSpec checks a job spec document. A spec is required.
func ValidateJobSpec(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("spec is required")
	}
	return validateAgainst(jobSpecValidator, raw)
}

// ValidateDisputeEvidence checks an optional dispute evidence document.
func ValidateDisputeEvidence(raw json.RawMessage) error {
	return validateAgainst(disputeEvidenceValidator, raw)
}
