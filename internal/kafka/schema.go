package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"

	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

// Encoder turns an exported record into a Kafka message value.
type Encoder interface {
	Encode(ctx context.Context, record servicenow.Record) ([]byte, error)
	// Format names the encoding; it is sent as the "sn_format" header.
	Format() string
}

// JSONEncoder writes records as plain JSON objects.
type JSONEncoder struct{}

// Encode implements Encoder.
func (JSONEncoder) Encode(_ context.Context, record servicenow.Record) ([]byte, error) {
	b, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	return b, nil
}

// Format implements Encoder.
func (JSONEncoder) Format() string { return "json" }

// SchemaRegistryClient resolves the registry ID of a schema.
type SchemaRegistryClient interface {
	// GetSchemaID registers schema under subject if needed and returns its ID.
	GetSchemaID(ctx context.Context, subject string, schema avro.Schema) (int, error)
}

// AvroEncoder writes records in the Confluent wire format:
//
//	[magic byte 0][schema ID, 4 bytes big endian][Avro binary]
//
// The schema is registered once, on first use, under "<topic>-value".
type AvroEncoder struct {
	registry SchemaRegistryClient
	subject  string
	schema   avro.Schema
	fields   []string

	mu       sync.Mutex
	schemaID int
	resolved bool
}

// NewAvroEncoder builds the schema for table's exported fields.
func NewAvroEncoder(registry SchemaRegistryClient, table, topic string, fields []string) (*AvroEncoder, error) {
	schema, err := GenerateAvroSchema(table, fields)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", table, err)
	}
	return &AvroEncoder{
		registry: registry,
		subject:  topic + "-value",
		schema:   schema,
		fields:   append([]string(nil), fields...),
	}, nil
}

// Schema returns the generated record schema.
func (e *AvroEncoder) Schema() avro.Schema { return e.schema }

// Format implements Encoder.
func (e *AvroEncoder) Format() string { return "avro" }

// Encode implements Encoder.
func (e *AvroEncoder) Encode(ctx context.Context, record servicenow.Record) ([]byte, error) {
	id, err := e.id(ctx)
	if err != nil {
		return nil, err
	}
	data, err := avro.Marshal(e.schema, avroDatum(record, e.fields))
	if err != nil {
		return nil, fmt.Errorf("marshaling avro: %w", err)
	}
	return frame(id, data), nil
}

func (e *AvroEncoder) id(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved {
		return e.schemaID, nil
	}
	id, err := e.registry.GetSchemaID(ctx, e.subject, e.schema)
	if err != nil {
		return 0, fmt.Errorf("getting schema ID for subject %s: %w", e.subject, err)
	}
	e.schemaID, e.resolved = id, true
	return id, nil
}

// frame prefixes data with the Confluent magic byte and schema ID.
func frame(schemaID int, data []byte) []byte {
	out := make([]byte, 5+len(data))
	out[0] = 0
	binary.BigEndian.PutUint32(out[1:5], uint32(schemaID))
	copy(out[5:], data)
	return out
}

// DecodeAvro reverses AvroEncoder.Encode: it checks the framing, decodes
// the payload into out and returns the schema ID.
func DecodeAvro(schema avro.Schema, value []byte, out any) (int, error) {
	if len(value) < 5 || value[0] != 0 {
		return 0, fmt.Errorf("not a Confluent-framed Avro message (%d bytes)", len(value))
	}
	id := int(binary.BigEndian.Uint32(value[1:5]))
	if err := avro.Unmarshal(schema, value[5:], out); err != nil {
		return id, fmt.Errorf("unmarshaling avro: %w", err)
	}
	return id, nil
}
