package servicenow

import "encoding/json"

// Record represents a single row of a ServiceNow table as a map of field
// names to values. Values are strings, nil, or nested JSON values.
type Record map[string]any

// SysID returns the record's sys_id when it is a non-empty string.
func (r Record) SysID() (string, bool) {
	v, ok := r["sys_id"].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// QueryParam is a single query-string parameter. Params keep the order in which
// they were supplied when the request URL is built.
type QueryParam struct {
	Key   string
	Value string
}

// resultEnvelope is the success wrapper used by every Table API response:
//
//	{"result": {...}} or {"result": [{...}, ...]}
type resultEnvelope struct {
	Result json.RawMessage `json:"result"`
}

// errorEnvelope is the failure wrapper:
//
//	{"error": {"message": "...", "detail": "..." | null}}
type errorEnvelope struct {
	Error *struct {
		Message *string `json:"message"`
		Detail  *string `json:"detail"`
	} `json:"error"`
}
