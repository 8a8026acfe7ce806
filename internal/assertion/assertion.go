// Package assertion runs the deterministic checks attached to a scenario:
// case-insensitive regex matches and JSON Schema validation of extracted
// output. Assertion evaluation never errors; every problem becomes a
// failed label so the pipeline can proceed to the judge.
package assertion

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/segmentio/encoding/json"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tpmjs/scenario-engine/internal/extract"
	"github.com/tpmjs/scenario-engine/pkg/types"
)

// MaxRegexPatternLength is the maximum allowed length for regex patterns to prevent ReDoS.
const MaxRegexPatternLength = 10000

// maxSchemaErrors caps how many validation failures a schema label reports.
const maxSchemaErrors = 3

var errPrinter = message.NewPrinter(language.English)

// RunAssertions evaluates the policy against raw agent output. Regex
// results come first, in input order, then the schema result when a
// non-empty schema is present. Labels appear in exactly one of
// Passed/Failed. The function is deterministic and has no side effects.
func RunAssertions(output string, policy *types.AssertionPolicy) types.AssertionResults {
	results := types.AssertionResults{Passed: []string{}, Failed: []string{}}
	if policy == nil {
		return results
	}

	for _, pattern := range policy.Regex {
		label := "regex:" + pattern
		if len(pattern) > MaxRegexPatternLength {
			results.Failed = append(results.Failed, label+" (invalid pattern)")
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			results.Failed = append(results.Failed, label+" (invalid pattern)")
			continue
		}
		if re.MatchString(output) {
			results.Passed = append(results.Passed, label)
		} else {
			results.Failed = append(results.Failed, label)
		}
	}

	// An empty schema object is no constraint at all.
	if len(policy.Schema) > 0 {
		label, ok := checkSchema(output, policy.Schema)
		if ok {
			results.Passed = append(results.Passed, label)
		} else {
			results.Failed = append(results.Failed, label)
		}
	}

	return results
}

// checkSchema extracts a JSON value from the output and validates it
// against the policy schema, returning the result label.
func checkSchema(output string, schema map[string]any) (string, bool) {
	value, ok := extract.Extract(output)
	if !ok {
		return "schema: Output does not contain valid JSON", false
	}

	sch, err := compileSchema(schema)
	if err != nil {
		return fmt.Sprintf("schema: invalid schema: %v", err), false
	}

	if err := sch.Validate(value); err != nil {
		return "schema: " + summarizeValidation(err), false
	}
	return "schema: JSON validates against schema", true
}

// compileSchema compiles a policy schema with format assertions enabled,
// so draft-07 keywords like format:"email" actually validate.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// summarizeValidation renders the first few leaf validation errors as
// "path: message" pairs joined by "; ", with a count of the remainder.
func summarizeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	msgs := flattenCauses(ve)
	if len(msgs) > maxSchemaErrors {
		extra := len(msgs) - maxSchemaErrors
		return fmt.Sprintf("%s (+%d more errors)", strings.Join(msgs[:maxSchemaErrors], "; "), extra)
	}
	return strings.Join(msgs, "; ")
}

// flattenCauses walks the validation error tree down to its leaves, which
// carry the concrete keyword failures.
func flattenCauses(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(errPrinter))}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, flattenCauses(c)...)
	}
	return out
}
