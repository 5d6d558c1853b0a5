package transform

import (
	"encoding/json"
	"net/url"
	"strconv"
)

// formEncodeMaxDepth bounds nesting when flattening JSON into bracket
// notation; consumer input controls the shape.
const formEncodeMaxDepth = 10

// bodyFormEncode serializes the consumer's JSON body as
// application/x-www-form-urlencoded with bracket notation for nesting:
// {"card":{"number":"42"}} becomes card[number]=42 and arrays index as
// items[0]. Null values are skipped; an unparsable body passes through.
func bodyFormEncode(in BodyInput) []byte {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(in.Body), &parsed); err != nil {
		return bodyPassthrough(in)
	}
	values := url.Values{}
	for k, v := range parsed {
		flattenForm(values, k, v, 1)
	}
	return []byte(values.Encode())
}

func flattenForm(values url.Values, key string, v any, depth int) {
	if depth > formEncodeMaxDepth || v == nil {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		for k, nested := range t {
			flattenForm(values, key+"["+k+"]", nested, depth+1)
		}
	case []any:
		for i, nested := range t {
			flattenForm(values, key+"["+strconv.Itoa(i)+"]", nested, depth+1)
		}
	case string:
		values.Set(key, t)
	case bool:
		values.Set(key, strconv.FormatBool(t))
	case float64:
		values.Set(key, strconv.FormatFloat(t, 'f', -1, 64))
	case json.Number:
		values.Set(key, t.String())
	}
}
