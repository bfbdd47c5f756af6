package kafka

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hamba/avro/v2"

	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

const schemaNamespace = "com.servicenow.table"

// AvroName maps a field or table name to a valid Avro name: characters
// outside [A-Za-z0-9_] become '_' and a leading digit gets a '_' prefix.
// Dot-walked fields ("caller_id.name") become "caller_id_name".
func AvroName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// GenerateAvroSchema builds a record schema named after table with one
// optional string field per entry of fields. Table API values are strings
// (or reference objects rendered by their value), so ["null","string"]
// fits every column.
func GenerateAvroSchema(table string, fields []string) (avro.Schema, error) {
	if len(fields) == 0 {
		return nil, errors.New("cannot generate schema with no fields")
	}

	seen := make(map[string]string, len(fields))
	avroFields := make([]*avro.Field, 0, len(fields))
	for _, f := range fields {
		name := AvroName(f)
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("fields %q and %q map to the same Avro name %q", prev, f, name)
		}
		seen[name] = f

		union, err := avro.NewUnionSchema([]avro.Schema{
			&avro.NullSchema{},
			avro.NewPrimitiveSchema(avro.String, nil),
		})
		if err != nil {
			return nil, fmt.Errorf("creating union for %s: %w", f, err)
		}
		field, err := avro.NewField(name, union, avro.WithDefault(nil))
		if err != nil {
			return nil, fmt.Errorf("creating field %s: %w", f, err)
		}
		avroFields = append(avroFields, field)
	}

	schema, err := avro.NewRecordSchema(AvroName(table), schemaNamespace, avroFields)
	if err != nil {
		return nil, fmt.Errorf("creating record schema: %w", err)
	}
	return schema, nil
}

// avroDatum projects record onto fields, keyed by Avro name. Missing and
// null values stay nil; reference fields contribute their value.
func avroDatum(record servicenow.Record, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[AvroName(f)] = stringValue(record[f])
	}
	return out
}

func stringValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case map[string]any:
		return stringValue(t["value"])
	default:
		return fmt.Sprint(t)
	}
}
