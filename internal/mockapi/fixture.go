package mockapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

// FixtureSource supplies the initial records of the mock table. It is passed
// to NewServer and read again on every Reload.
type FixtureSource interface {
	Load() ([]servicenow.Record, error)
}

// FileFixture reads records from a JSON file holding either an array of
// objects or a {"result": [...]} envelope.
type FileFixture struct {
	Path string
}

// Load implements FixtureSource.
func (f FileFixture) Load() ([]servicenow.Record, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture %s: %w", f.Path, err)
	}
	records, err := decodeFixture(data)
	if err != nil {
		return nil, fmt.Errorf("parsing fixture %s: %w", f.Path, err)
	}
	return records, nil
}

func decodeFixture(data []byte) ([]servicenow.Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []servicenow.Record{}, nil
	}

	var records []servicenow.Record
	if data[0] == '{' {
		var env struct {
			Result []servicenow.Record `json:"result"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, err
		}
		records = env.Result
	} else if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	for i, r := range records {
		if r == nil {
			return nil, fmt.Errorf("record %d is null", i)
		}
	}
	return records, nil
}

// StaticFixture serves a fixed set of records. Each Load returns copies, so
// mutations made through the API never leak back into the fixture.
type StaticFixture []servicenow.Record

// Load implements FixtureSource.
func (s StaticFixture) Load() ([]servicenow.Record, error) {
	out := make([]servicenow.Record, len(s))
	for i, r := range s {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

func cloneRecord(r servicenow.Record) servicenow.Record {
	c := make(servicenow.Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}
