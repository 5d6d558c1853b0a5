// Package transform holds the named strategy registries for the three
// transform stages: consumer body -> upstream body, upstream auth injection,
// and upstream response -> consumer response. Strategies are looked up by
// name with O(1) dispatch; the "extract:" and "field-map:" families carry
// their argument in the name itself.
package transform

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// BodyInput carries the material a body strategy works on.
type BodyInput struct {
	Transform  string // full strategy name, e.g. "extract:data.items"
	Body       string // consumer body as text
	RawBody    []byte // consumer body verbatim, for binary passthrough
	StaticBody string // endpoint's configured upstream body
}

// BodyFunc produces the upstream request body. A nil result means no body.
type BodyFunc func(in BodyInput) []byte

func bodyPassthrough(in BodyInput) []byte {
	if in.Body == "" {
		return nil
	}
	return []byte(in.Body)
}

func bodyStatic(in BodyInput) []byte {
	if in.StaticBody == "" {
		return nil
	}
	return []byte(in.StaticBody)
}

var templateRef = regexp.MustCompile(`\{\{body\.([^}]+)\}\}`)

// bodyTemplate substitutes {{body.<dotPath>}} references in the static body
// with values from the consumer's JSON body. A missing path collapses to the
// empty string; an unparsable consumer body passes through unchanged.
func bodyTemplate(in BodyInput) []byte {
	if !gjson.Valid(in.Body) {
		return bodyPassthrough(in)
	}
	out := templateRef.ReplaceAllStringFunc(in.StaticBody, func(match string) string {
		path := templateRef.FindStringSubmatch(match)[1]
		res := gjson.Get(in.Body, path)
		if !res.Exists() {
			return ""
		}
		if res.Type == gjson.String {
			return res.String()
		}
		return res.Raw
	})
	return []byte(out)
}

// bodyExtract re-emits the JSON encoding of the nested value at the dot path
// carried in the strategy name. Missing path or parse failure passes the
// consumer body through, which also makes the strategy idempotent.
func bodyExtract(in BodyInput) []byte {
	path := strings.TrimPrefix(in.Transform, "extract:")
	if path == "" || !gjson.Valid(in.Body) {
		return bodyPassthrough(in)
	}
	res := gjson.Get(in.Body, path)
	if !res.Exists() {
		return bodyPassthrough(in)
	}
	return []byte(res.Raw)
}

func bodyBinary(in BodyInput) []byte {
	if len(in.RawBody) == 0 {
		return nil
	}
	return in.RawBody
}
