// Package partition chooses the Kafka message key for exported records.
//
// The key decides the partition, so it also decides which records keep
// their relative order:
//
//   - "default": the identifier field (sys_id). Every version of a record
//     lands on the same partition, in order.
//   - "round_robin": no key. Best spread, no ordering.
//   - "field_based": a hash of chosen fields (e.g. company), so related
//     records share a partition.
package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/RaikaSurendra/servicenow-table-client/internal/config"
	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

// Partitioner returns the message key for a record; nil means no key.
type Partitioner interface {
	Key(record servicenow.Record) []byte
}

// KeyFunc adapts a function to Partitioner.
type KeyFunc func(record servicenow.Record) []byte

// Key implements Partitioner.
func (f KeyFunc) Key(record servicenow.Record) []byte { return f(record) }

// New returns the Partitioner named by the table's export settings.
func New(cfg config.ExportTableConfig) (Partitioner, error) {
	switch cfg.Partitioner {
	case "", "default":
		field := cfg.IdentifierField
		if field == "" {
			field = "sys_id"
		}
		return ByIdentifier(field), nil
	case "round_robin":
		return RoundRobin(), nil
	case "field_based":
		if len(cfg.PartitionKeyFields) == 0 {
			return nil, fmt.Errorf("table %s: field_based partitioner needs partition_key_fields", cfg.Name)
		}
		return ByFields(cfg.PartitionKeyFields...), nil
	default:
		return nil, fmt.Errorf("table %s: unknown partitioner %q", cfg.Name, cfg.Partitioner)
	}
}

// ByIdentifier keys records by the value of field. Records without it get
// no key.
func ByIdentifier(field string) Partitioner {
	return KeyFunc(func(r servicenow.Record) []byte {
		v, ok := r[field]
		if !ok || v == nil {
			return nil
		}
		return []byte(value(v))
	})
}

// RoundRobin never sets a key.
func RoundRobin() Partitioner {
	return KeyFunc(func(servicenow.Record) []byte { return nil })
}

// ByFields keys records by the SHA-256 (hex) of the given fields' values,
// taken in sorted field order and joined by NUL. Missing fields count as
// empty.
func ByFields(fields ...string) Partitioner {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)

	return KeyFunc(func(r servicenow.Record) []byte {
		if len(sorted) == 0 {
			return nil
		}
		parts := make([]string, len(sorted))
		for i, f := range sorted {
			parts[i] = value(r[f])
		}
		sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
		return []byte(hex.EncodeToString(sum[:]))
	})
}

// value renders a field; reference fields ({"value": ...}) use their value.
func value(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		return value(t["value"])
	default:
		return fmt.Sprint(t)
	}
}
