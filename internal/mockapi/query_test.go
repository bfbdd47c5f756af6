package mockapi

import (
	"testing"
	"time"

	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

func TestEncodedQueryMatch(t *testing.T) {
	rec := servicenow.Record{
		"number":            "INC0000042",
		"priority":          "2",
		"short_description": "Email down^again",
		"sys_updated_on":    "2024-03-15 10:00:00",
		"assigned_to":       "",
		"caller_id":         map[string]any{"value": "u1", "link": "https://x/api/now/table/sys_user/u1"},
	}

	tests := []struct {
		query string
		want  bool
	}{
		{"", true},
		{"priority=2", true},
		{"priority=3", false},
		{"priority!=3", true},
		{"priority>1^priority<3", true},
		{"priority>=3", false},
		{"priority=1^ORpriority=2", true},
		{"priority=1^ORpriority=3", false},
		{"numberSTARTSWITHINC00", true},
		{"short_descriptionLIKEemail", true},
		{"short_descriptionNOTLIKEemail", false},
		{"short_description=Email down^^again", true},
		{"priorityIN1,2", true},
		{"assigned_toISEMPTY", true},
		{"assigned_toISNOTEMPTY", false},
		{"assigned_toEMPTYSTRING", true},
		{"missingEMPTYSTRING", false},
		{"caller_id=u1", true},
		{"sys_updated_on>javascript:gs.dateGenerate('2024-03-15','09:59:59')", true},
		{"sys_updated_on>javascript:gs.dateGenerate('2024-03-15','10:00:00')", false},
		{"priority=9^NQnumber=INC0000042", true},
		{"priority=9^NQnumber=INC0000001", false},
		{"priority=2^ORDERBYnumber", true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := parseQuery(tt.query)
			if err != nil {
				t.Fatalf("parseQuery: %v", err)
			}
			if got := q.match(rec); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodedQueryBuiltByClient(t *testing.T) {
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	q := servicenow.NewQueryBuilder().
		WhereTimestampEquals("sys_updated_on", at).
		WhereGreaterThan("sys_id", "b").
		Union(servicenow.NewQueryBuilder().
			WhereTimestampAfter("sys_updated_on", at).
			OrderByAsc("sys_updated_on").
			OrderByAsc("sys_id"))

	records := []servicenow.Record{
		{"sys_id": "z", "sys_updated_on": "2024-03-16 00:00:00"},
		{"sys_id": "a", "sys_updated_on": "2024-03-15 10:00:00"},
		{"sys_id": "c", "sys_updated_on": "2024-03-15 10:00:00"},
		{"sys_id": "d", "sys_updated_on": "2024-03-15 09:00:00"},
		{"sys_id": "y", "sys_updated_on": "2024-03-15 11:00:00"},
	}

	eq, err := parseQuery(q.Build())
	if err != nil {
		t.Fatalf("parseQuery(%q): %v", q.Build(), err)
	}
	s := newStore(records, time.Now)
	got := s.filter(eq, "")

	want := []string{"c", "y", "z"}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i]["sys_id"] != id {
			t.Errorf("got[%d] = %v, want %s", i, got[i]["sys_id"], id)
		}
	}
}

func TestParseQueryErrors(t *testing.T) {
	for _, q := range []string{"=x", "priority~2", "PRIORITY=1"} {
		if _, err := parseQuery(q); err == nil {
			t.Errorf("parseQuery(%q) succeeded", q)
		}
	}
}
