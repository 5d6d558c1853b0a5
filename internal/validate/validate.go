// Package validate enforces per-endpoint request rules before any transform
// runs: required headers, body regex, blacklist terms, and a minimal JSON
// schema. Checks run in that order and fail on the first violation.
package validate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	gateway "github.com/relayproxy/relay/internal"
)

// Bodies above this size skip the regex check; compiling and matching huge
// payloads is a DoS vector, and blacklist and schema checks still apply.
const maxPatternBody = 1_000_000

// Validator caches compiled body patterns across requests.
type Validator struct {
	patterns sync.Map // pattern string -> compiled (regexp or error)
}

type compiled struct {
	re  *regexp.Regexp
	err error
}

// New returns a Validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks the inbound request against the endpoint's rules. A broken
// rule (invalid regex or schema) is a configuration fault, reported as
// INTERNAL rather than blamed on the consumer.
func (v *Validator) Validate(ep *gateway.Endpoint, header http.Header, body []byte) error {
	for _, h := range ep.RequiredHeaders {
		if header.Get(h) == "" {
			return gateway.E(gateway.CodeValidationFailed, "missing required header: "+h)
		}
	}

	if ep.BodyPattern != "" && len(body) <= maxPatternBody {
		re, err := v.compile(ep.BodyPattern)
		if err != nil {
			return gateway.Wrap(gateway.CodeInternal, "invalid body pattern in endpoint configuration", err)
		}
		if !re.Match(body) {
			return gateway.E(gateway.CodeValidationFailed, "request body does not match required pattern")
		}
	}

	if len(ep.BodyBlacklist) > 0 {
		lower := strings.ToLower(string(body))
		for _, term := range ep.BodyBlacklist {
			if strings.Contains(lower, strings.ToLower(term)) {
				return gateway.E(gateway.CodeValidationFailed, "request body contains a blocked term")
			}
		}
	}

	if ep.BodySchema != "" {
		if err := checkSchema(ep.BodySchema, body); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	if c, ok := v.patterns.Load(pattern); ok {
		cc := c.(compiled)
		return cc.re, cc.err
	}
	re, err := regexp.Compile(pattern)
	v.patterns.Store(pattern, compiled{re: re, err: err})
	return re, err
}

// schema is the minimal shape the gateway understands: a top-level type,
// required fields for objects, and primitive types for declared properties.
// Extra properties always pass.
type schema struct {
	Type       string              `json:"type"`
	Required   []string            `json:"required"`
	Properties map[string]property `json:"properties"`
}

type property struct {
	Type string `json:"type"`
}

func checkSchema(rawSchema string, body []byte) error {
	var s schema
	if err := json.Unmarshal([]byte(rawSchema), &s); err != nil {
		return gateway.Wrap(gateway.CodeInternal, "invalid body schema in endpoint configuration", err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return gateway.E(gateway.CodeValidationFailed, "request body is not valid JSON")
	}

	switch s.Type {
	case "array":
		if _, ok := doc.([]any); !ok {
			return gateway.E(gateway.CodeValidationFailed, "request body must be a JSON array")
		}
		return nil
	case "object", "":
		obj, ok := doc.(map[string]any)
		if !ok {
			return gateway.E(gateway.CodeValidationFailed, "request body must be a JSON object")
		}
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				return gateway.E(gateway.CodeValidationFailed, "missing required field: "+name)
			}
		}
		for name, prop := range s.Properties {
			val, present := obj[name]
			if !present {
				continue
			}
			if !primitiveMatches(prop.Type, val) {
				return gateway.E(gateway.CodeValidationFailed,
					fmt.Sprintf("field %s must be of type %s", name, prop.Type))
			}
		}
		return nil
	default:
		return gateway.E(gateway.CodeInternal, "unsupported schema type: "+s.Type)
	}
}

func primitiveMatches(typ string, val any) bool {
	switch typ {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		_, ok := val.(float64)
		return ok
	case "boolean":
		_, ok := val.(bool)
		return ok
	default:
		// Unknown declared types are ignored rather than rejecting traffic.
		return true
	}
}
