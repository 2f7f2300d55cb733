package client

import "net/url"

// QueryPayload converts query parameters into a call payload. Single values
// become strings and repeated parameters become lists, so ?page=2 and
// {"page":"2"} produce the same key.
func QueryPayload(q url.Values) map[string]any {
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]any, len(q))
	for k, vs := range q {
		switch len(vs) {
		case 0:
			out[k] = ""
		case 1:
			out[k] = vs[0]
		default:
			out[k] = append([]string(nil), vs...)
		}
	}
	return out
}
