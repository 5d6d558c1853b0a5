package transform

import "strings"

// Registry holds the three strategy tables. Lookup never fails: unknown
// body strategies fall back to passthrough, unknown auth strategies to none,
// unknown response strategies to raw.
type Registry struct {
	body     map[string]BodyFunc
	auth     map[string]AuthFunc
	response map[string]ResponseFunc
}

// NewRegistry builds a registry with all built-in strategies registered.
func NewRegistry() *Registry {
	return &Registry{
		body: map[string]BodyFunc{
			"passthrough": bodyPassthrough,
			"static":      bodyStatic,
			"template":    bodyTemplate,
			"extract":     bodyExtract,
			"binary":      bodyBinary,
			"form-encode": bodyFormEncode,
		},
		auth: map[string]AuthFunc{
			"none":   authNone,
			"bearer": authBearer,
			"basic":  authBasic,
			"header": authHeader,
			"query":  authQuery,
			"aws-s3": authAWSS3,
		},
		response: map[string]ResponseFunc{
			"envelope":  respEnvelope,
			"raw":       respRaw,
			"streaming": respStreaming,
			"field-map": respFieldMap,
		},
	}
}

// Body resolves a body strategy by name. Names beginning with "extract:"
// dispatch to the extract strategy, which reads its dot path from the name.
func (r *Registry) Body(name string) BodyFunc {
	if strings.HasPrefix(name, "extract:") {
		return r.body["extract"]
	}
	if f, ok := r.body[name]; ok {
		return f
	}
	return r.body["passthrough"]
}

// Auth resolves an auth-injection strategy by name.
func (r *Registry) Auth(name string) AuthFunc {
	if f, ok := r.auth[name]; ok {
		return f
	}
	return r.auth["none"]
}

// Response resolves a response strategy by name. Names beginning with
// "field-map:" dispatch to the field-map strategy.
func (r *Registry) Response(name string) ResponseFunc {
	if strings.HasPrefix(name, "field-map:") {
		return r.response["field-map"]
	}
	if f, ok := r.response[name]; ok {
		return f
	}
	return r.response["raw"]
}
