package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hamba/avro/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/RaikaSurendra/servicenow-table-client/internal/config"
	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

type staticRegistry struct {
	id    int
	calls atomic.Int32
}

func (r *staticRegistry) GetSchemaID(context.Context, string, avro.Schema) (int, error) {
	r.calls.Add(1)
	return r.id, nil
}

func TestAvroName(t *testing.T) {
	tests := map[string]string{
		"sys_id":          "sys_id",
		"caller_id.name":  "caller_id_name",
		"u_custom-field":  "u_custom_field",
		"9lives":          "_9lives",
		"x_acme_app_task": "x_acme_app_task",
	}
	for in, want := range tests {
		if got := AvroName(in); got != want {
			t.Errorf("AvroName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGenerateAvroSchema(t *testing.T) {
	schema, err := GenerateAvroSchema("incident", []string{"sys_id", "number", "caller_id.name"})
	if err != nil {
		t.Fatalf("GenerateAvroSchema: %v", err)
	}
	rec, ok := schema.(*avro.RecordSchema)
	if !ok {
		t.Fatalf("schema type = %T", schema)
	}
	if rec.FullName() != "com.servicenow.table.incident" {
		t.Errorf("name = %s", rec.FullName())
	}
	if len(rec.Fields()) != 3 || rec.Fields()[2].Name() != "caller_id_name" {
		t.Errorf("fields = %v", rec.Fields())
	}

	if _, err := GenerateAvroSchema("incident", nil); err == nil {
		t.Error("empty field list accepted")
	}
	if _, err := GenerateAvroSchema("incident", []string{"a.b", "a_b"}); err == nil {
		t.Error("colliding field names accepted")
	}
}

func TestAvroEncoderRoundTrip(t *testing.T) {
	reg := &staticRegistry{id: 42}
	enc, err := NewAvroEncoder(reg, "incident", "sn.incident", []string{"sys_id", "number", "caller_id", "priority"})
	if err != nil {
		t.Fatal(err)
	}
	if enc.Format() != "avro" {
		t.Errorf("Format = %s", enc.Format())
	}

	record := servicenow.Record{
		"sys_id":    "abc",
		"number":    "INC0010001",
		"caller_id": map[string]any{"value": "u1", "link": "https://x/api/now/table/sys_user/u1"},
		"ignored":   "not in schema",
	}
	for i := 0; i < 3; i++ {
		value, err := enc.Encode(context.Background(), record)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}

		var out struct {
			SysID    *string `avro:"sys_id"`
			Number   *string `avro:"number"`
			CallerID *string `avro:"caller_id"`
			Priority *string `avro:"priority"`
		}
		id, err := DecodeAvro(enc.Schema(), value, &out)
		if err != nil {
			t.Fatalf("DecodeAvro: %v", err)
		}
		if id != 42 {
			t.Errorf("schema id = %d, want 42", id)
		}
		if out.SysID == nil || *out.SysID != "abc" || out.CallerID == nil || *out.CallerID != "u1" {
			t.Errorf("decoded = %+v", out)
		}
		if out.Priority != nil {
			t.Errorf("missing field decoded as %q, want null", *out.Priority)
		}
	}
	if n := reg.calls.Load(); n != 1 {
		t.Errorf("registry called %d times, want 1", n)
	}

	if _, err := DecodeAvro(enc.Schema(), []byte{1, 0}, &struct{}{}); err == nil {
		t.Error("unframed value accepted")
	}
}

func TestJSONEncoder(t *testing.T) {
	b, err := JSONEncoder{}.Encode(context.Background(), servicenow.Record{"sys_id": "abc"})
	if err != nil || string(b) != `{"sys_id":"abc"}` {
		t.Errorf("Encode = %s, %v", b, err)
	}
}

func TestHTTPRegistryClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/subjects/sn.incident-value/versions" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/vnd.schemaregistry.v1+json" {
			t.Errorf("Content-Type = %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Schema string `json:"schema"`
		}
		if err := json.Unmarshal(body, &req); err != nil || !strings.Contains(req.Schema, `"incident"`) {
			t.Errorf("schema body = %s", body)
		}
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer srv.Close()

	schema, _ := GenerateAvroSchema("incident", []string{"sys_id"})
	c := NewHTTPRegistryClient(srv.URL + "/")
	for i := 0; i < 2; i++ {
		id, err := c.GetSchemaID(context.Background(), "sn.incident-value", schema)
		if err != nil || id != 7 {
			t.Fatalf("GetSchemaID = %d, %v", id, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("registry hit %d times, want 1 (cached)", calls.Load())
	}
}

func TestHTTPRegistryClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_code":409,"message":"incompatible schema"}`))
	}))
	defer srv.Close()

	schema, _ := GenerateAvroSchema("incident", []string{"sys_id"})
	_, err := NewHTTPRegistryClient(srv.URL).GetSchemaID(context.Background(), "s", schema)
	if err == nil || !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "incompatible") {
		t.Errorf("err = %v", err)
	}
}

func TestRecordConversion(t *testing.T) {
	rec := toRecord("sn.incident", Message{Key: []byte("k"), Value: []byte("v"), Headers: map[string]string{"sn_table": "incident"}})
	if rec.Topic != "sn.incident" || len(rec.Headers) != 1 || rec.Headers[0].Key != "sn_table" {
		t.Errorf("record = %+v", rec)
	}

	msg := fromRecord(&kgo.Record{
		Topic:     "t",
		Value:     []byte("v"),
		Partition: 2,
		Offset:    9,
		Headers:   []kgo.RecordHeader{{Key: "a", Value: []byte("b")}},
	})
	if msg.Topic != "t" || msg.Partition != 2 || msg.Offset != 9 || msg.Headers["a"] != "b" {
		t.Errorf("message = %+v", msg)
	}
}

func TestConstructorsValidate(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewProducer(config.KafkaConfig{}, logger); err == nil {
		t.Error("producer without brokers accepted")
	}
	cfg := config.KafkaConfig{Brokers: []string{"localhost:9092"}}
	if _, err := NewConsumer(cfg, "", []string{"t"}, logger); err == nil {
		t.Error("consumer without group accepted")
	}
	if _, err := NewConsumer(cfg, "g", nil, logger); err == nil {
		t.Error("consumer without topics accepted")
	}
}
