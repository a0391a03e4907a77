package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/onboard/internal/expressions"
	"github.com/rendis/onboard/pkg/schema"
)

const envelopeSchemaURL = "https://onboard.dev/schemas/progress-envelope.json"

const envelopeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "data"],
  "properties": {
    "event": {
      "type": "string",
      "enum": ["etaUpdate", "statusUpdate", "jobCompleted", "postProcessingCompleted", "standby"]
    },
    "data": {
      "type": "object",
      "properties": {
        "percentage": { "type": ["number", "string", "null"] },
        "percent":    { "type": ["number", "string", "null"] },
        "progress":   { "type": ["number", "string", "null"] },
        "eta":        { "type": ["number", "string", "null"] },
        "status":     { "type": ["string", "null"] },
        "message":    { "type": ["string", "null"] },
        "completed":  { "type": ["boolean", "string", "null"] }
      }
    }
  }
}`

// FieldQueries are the jq queries that pull event fields out of a payload.
type FieldQueries struct {
	Percentage string `yaml:"percentage"`
	ETA        string `yaml:"eta"`
	Status     string `yaml:"status"`
	Completed  string `yaml:"completed"`
}

// DefaultFieldQueries accepts the common spellings used by training backends.
func DefaultFieldQueries() FieldQueries {
	return FieldQueries{
		Percentage: `.percentage // .percent // .progress`,
		ETA:        `.eta // .etaSeconds // .eta_seconds`,
		Status:     `.status // .message`,
		Completed:  `.completed // .isCompleted`,
	}
}

// Decoder turns transport messages into TrainingProgressEvents. It validates
// the envelope and extracts fields with explicit type checks; no payload
// value is ever asserted without checking.
type Decoder struct {
	envelope *jsonschema.Schema
	jq       *expressions.GoJQEngine
	queries  FieldQueries
}

// NewDecoder compiles the envelope schema. Empty queries fall back to the defaults.
func NewDecoder(queries FieldQueries) (*Decoder, error) {
	def := DefaultFieldQueries()
	if queries.Percentage == "" {
		queries.Percentage = def.Percentage
	}
	if queries.ETA == "" {
		queries.ETA = def.ETA
	}
	if queries.Status == "" {
		queries.Status = def.Status
	}
	if queries.Completed == "" {
		queries.Completed = def.Completed
	}

	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add envelope schema resource: %w", err)
	}
	sch, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}

	return &Decoder{envelope: sch, jq: expressions.NewGoJQEngine(), queries: queries}, nil
}

// Decode validates msg and maps it to an event. Percentages are returned raw.
func (d *Decoder) Decode(ctx context.Context, msg Message) (schema.TrainingProgressEvent, error) {
	var ev schema.TrainingProgressEvent

	data := normalizePayload(msg.Data)
	dataMap, _ := data.(map[string]any)
	if dataMap == nil {
		dataMap = map[string]any{}
	}

	envelope := map[string]any{"event": msg.Event, "data": toSchemaValue(dataMap)}
	if err := d.envelope.Validate(envelope); err != nil {
		return ev, schema.NewErrorf(schema.ErrCodeValidation, "invalid %q payload: %s", msg.Event, err.Error()).WithCause(err)
	}

	kind, err := kindOf(msg.Event)
	if err != nil {
		return ev, err
	}
	ev.Kind = kind

	switch kind {
	case schema.ProgressETAUpdate:
		pct, ok, err := d.number(ctx, d.queries.Percentage, dataMap)
		if err != nil {
			return ev, err
		}
		ev.Percentage, ev.HasPercent = pct, ok
		if eta, ok, err := d.number(ctx, d.queries.ETA, dataMap); err != nil {
			return ev, err
		} else if ok && eta >= 0 && !math.IsInf(eta, 0) {
			ev.ETASeconds = eta
		}
	case schema.ProgressStandby:
		completed, err := d.boolean(ctx, d.queries.Completed, dataMap)
		if err != nil {
			return ev, err
		}
		ev.Completed = completed
	}

	status, err := d.text(ctx, d.queries.Status, dataMap)
	if err != nil {
		return ev, err
	}
	ev.Status = status
	return ev, nil
}

func kindOf(event string) (schema.ProgressKind, error) {
	switch event {
	case EventETAUpdate:
		return schema.ProgressETAUpdate, nil
	case EventStatusUpdate:
		return schema.ProgressStatusUpdate, nil
	case EventJobCompleted:
		return schema.ProgressJobCompleted, nil
	case EventPostProcessingCompleted:
		return schema.ProgressPostProcessingCompleted, nil
	case EventStandby:
		return schema.ProgressStandby, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown progress event %q", event)
	}
}

func (d *Decoder) query(ctx context.Context, q string, data map[string]any) (any, error) {
	out, err := d.jq.Evaluate(ctx, q, data)
	if err != nil {
		return nil, err
	}
	if list, ok := out.([]any); ok {
		if len(list) == 0 {
			return nil, nil
		}
		return list[0], nil
	}
	return out, nil
}

func (d *Decoder) number(ctx context.Context, q string, data map[string]any) (float64, bool, error) {
	v, err := d.query(ctx, q, data)
	if err != nil {
		return 0, false, err
	}
	f, ok := parseNumber(v)
	return f, ok, nil
}

func (d *Decoder) boolean(ctx context.Context, q string, data map[string]any) (bool, error) {
	v, err := d.query(ctx, q, data)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed, nil
	default:
		return false, nil
	}
}

func (d *Decoder) text(ctx context.Context, q string, data map[string]any) (string, error) {
	v, err := d.query(ctx, q, data)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// parseNumber accepts numbers and numeric strings, including "NaN" and "Inf"
// which are left for the sanitizer to reject.
func parseNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// normalizePayload converts every numeric type a codec may produce into
// float64. Non-finite floats become their string form so the payload stays
// JSON-representable; parseNumber turns them back into floats.
func normalizePayload(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalizePayload(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[fmt.Sprint(k)] = normalizePayload(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizePayload(e)
		}
		return out
	case float64:
		return finiteOrString(val)
	case float32:
		return finiteOrString(float64(val))
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return finiteOrString(f)
	default:
		return v
	}
}

func finiteOrString(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

// toSchemaValue converts float64 leaves to json.Number for the schema validator.
func toSchemaValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = toSchemaValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = toSchemaValue(e)
		}
		return out
	case float64:
		return json.Number(strconv.FormatFloat(val, 'g', -1, 64))
	default:
		return v
	}
}
