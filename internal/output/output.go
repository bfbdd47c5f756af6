// Package output renders Table API results for the sntable CLI as JSON,
// JSON lines, YAML or an aligned table, optionally filtered through a jq
// expression first.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Supported formats.
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatYAML  = "yaml"
	FormatTable = "table"
)

// ErrUnknownFormat is returned by New for an unsupported format name.
var ErrUnknownFormat = errors.New("unknown output format")

// leadingColumns are shown first in tables when present.
var leadingColumns = []string{"number", "sys_id"}

// Renderer writes values in one format. It is not safe for concurrent use.
type Renderer struct {
	w       io.Writer
	format  string
	jq      *gojq.Code
	columns []string
}

// New returns a Renderer. jqExpr may be empty. columns fixes the table
// column order; when empty the columns are derived from the data.
func New(w io.Writer, format, jqExpr string, columns ...string) (*Renderer, error) {
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatJSONL, FormatYAML, FormatTable:
	default:
		return nil, fmt.Errorf("%w %q (want json, jsonl, yaml or table)", ErrUnknownFormat, format)
	}

	r := &Renderer{w: w, format: format, columns: columns}
	if strings.TrimSpace(jqExpr) != "" {
		q, err := gojq.Parse(jqExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid jq expression: %w", err)
		}
		code, err := gojq.Compile(q)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq expression: %w", err)
		}
		r.jq = code
	}
	return r, nil
}

// Render writes v, which is typically a servicenow.Record or a slice of
// them. With a jq filter each value the filter emits is written in turn.
func (r *Renderer) Render(v any) error {
	data, err := normalize(v)
	if err != nil {
		return err
	}
	if r.jq == nil {
		return r.write(data)
	}

	iter := r.jq.Run(data)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := out.(error); isErr {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				return nil
			}
			return fmt.Errorf("jq: %w", err)
		}
		if err := r.write(out); err != nil {
			return err
		}
	}
}

// Raw writes bytes unchanged, followed by a newline when non-empty.
func (r *Renderer) Raw(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := r.w.Write(b); err != nil {
		return err
	}
	if b[len(b)-1] != '\n' {
		_, err := io.WriteString(r.w, "\n")
		return err
	}
	return nil
}

// normalize converts v into the plain map/slice/float64 values gojq and
// the table renderer work with.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}
	return out, nil
}

func (r *Renderer) write(v any) error {
	switch r.format {
	case FormatJSONL:
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if err := r.writeJSON(item, false); err != nil {
					return err
				}
			}
			return nil
		}
		return r.writeJSON(v, false)
	case FormatYAML:
		enc := yaml.NewEncoder(r.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding data to YAML: %w", err)
		}
		return enc.Close()
	case FormatTable:
		return r.writeTable(v)
	default:
		return r.writeJSON(v, true)
	}
}

func (r *Renderer) writeJSON(v any, indent bool) error {
	enc := json.NewEncoder(r.w)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding data to JSON: %w", err)
	}
	return nil
}

func (r *Renderer) writeTable(v any) error {
	switch t := v.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				// Not a list of objects: one value per line.
				for _, item := range t {
					if _, err := fmt.Fprintln(r.w, cell(item)); err != nil {
						return err
					}
				}
				return nil
			}
			rows = append(rows, m)
		}
		return r.recordTable(rows)
	case map[string]any:
		return r.fieldTable(t)
	default:
		_, err := fmt.Fprintln(r.w, cell(t))
		return err
	}
}

func (r *Renderer) recordTable(rows []map[string]any) error {
	if len(rows) == 0 {
		_, err := io.WriteString(r.w, "No records found\n")
		return err
	}

	cols := r.columns
	if len(cols) == 0 {
		cols = columnsOf(rows)
	}

	table := tablewriter.NewWriter(r.w)
	table.Header(toAny(upper(cols))...)
	for _, row := range rows {
		cells := make([]any, len(cols))
		for i, c := range cols {
			cells[i] = cell(row[c])
		}
		if err := table.Append(cells...); err != nil {
			return fmt.Errorf("rendering table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

// fieldTable renders a single record as FIELD | VALUE rows.
func (r *Renderer) fieldTable(rec map[string]any) error {
	fields := r.columns
	if len(fields) == 0 {
		fields = columnsOf([]map[string]any{rec})
	}

	table := tablewriter.NewWriter(r.w)
	table.Header("FIELD", "VALUE")
	for _, f := range fields {
		if err := table.Append(f, cell(rec[f])); err != nil {
			return fmt.Errorf("rendering table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

// columnsOf returns the union of keys: leading columns first, the rest
// sorted.
func columnsOf(rows []map[string]any) []string {
	seen := map[string]bool{}
	for _, row := range rows {
		for k := range row {
			seen[k] = true
		}
	}

	var cols []string
	for _, c := range leadingColumns {
		if seen[c] {
			cols = append(cols, c)
			delete(seen, c)
		}
	}
	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

// cell renders one value. Reference fields show their value.
func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		if dv, ok := t["display_value"]; ok {
			return cell(dv)
		}
		if val, ok := t["value"]; ok {
			return cell(val)
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func upper(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.ToUpper(c)
	}
	return out
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
