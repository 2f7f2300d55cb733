package fallback

import (
	"encoding/json"
	"fmt"
)

// Defaults returns the built-in fallbacks for the endpoints the mobile
// client cannot render without.
func Defaults() *Registry {
	return NewRegistry(map[string]Generator{
		"diary.stats": Static(json.RawMessage(
			`{"totalDiaries":0,"averageScore":0,"streakDays":0,"lastEntryAt":null}`)),
		"diary.list":      paged("items"),
		"user.products":   Static(json.RawMessage(`{"products":[]}`)),
		"products.search": searchEcho,
	})
}

// paged returns an empty page, preserving the requested page number.
func paged(field string) Generator {
	return func(payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Page json.Number `json:"page"`
		}
		_ = json.Unmarshal(payload, &req)
		page := req.Page
		if page == "" {
			page = "1"
		}
		return json.RawMessage(fmt.Sprintf(`{%q:[],"page":%s,"hasMore":false}`, field, page)), nil
	}
}

// searchEcho returns an empty result list that echoes the search keyword so
// the UI can still show what was searched for.
func searchEcho(payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Keyword string `json:"keyword"`
	}
	_ = json.Unmarshal(payload, &req)
	return json.Marshal(struct {
		Products []json.RawMessage `json:"products"`
		Keyword  string            `json:"keyword"`
	}{Products: []json.RawMessage{}, Keyword: req.Keyword})
}
