package transform

import "regexp"

// secretRef matches {{secrets.NAME}} where NAME allows letters, digits,
// underscores, and hyphens.
var secretRef = regexp.MustCompile(`\{\{secrets\.([A-Za-z0-9_-]+)\}\}`)

// InterpolateSecrets replaces {{secrets.NAME}} references in value with the
// resolved secret. Unresolved references collapse to the empty string;
// unresolved reports whether any reference could not be satisfied.
func InterpolateSecrets(value string, secrets map[string]string) (out string, unresolved bool) {
	out = secretRef.ReplaceAllStringFunc(value, func(match string) string {
		name := secretRef.FindStringSubmatch(match)[1]
		v, ok := secrets[name]
		if !ok || v == "" {
			unresolved = true
			return ""
		}
		return v
	})
	return out, unresolved
}
