package handler

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// codec converts between caller values, driver values and the values decoded
// from JSON result rows. Driver values are limited to int64, float64, bool,
// string and time.Time so both lib/pq and pgx accept them.
type codec interface {
	encode(v any) (any, error)
	decode(raw any) (any, error)
}

const dateLayout = "2006-01-02"

type serialCodec struct{}

func (serialCodec) encode(v any) (any, error) {
	switch x := v.(type) {
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ID %q", x)
		}
		return n, nil
	default:
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ID: %w", err)
		}
		return n, nil
	}
}

func (serialCodec) decode(raw any) (any, error) {
	switch x := raw.(type) {
	case json.Number:
		return x.String(), nil
	case string:
		return x, nil
	default:
		n, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		return strconv.FormatInt(n, 10), nil
	}
}

type uuidCodec struct{}

func (uuidCodec) encode(v any) (any, error) {
	switch x := v.(type) {
	case string:
		id, err := uuid.Parse(x)
		if err != nil {
			return nil, fmt.Errorf("invalid ID %q", x)
		}
		return id.String(), nil
	case uuid.UUID:
		return x.String(), nil
	default:
		return nil, fmt.Errorf("invalid ID of type %T", v)
	}
}

func (uuidCodec) decode(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected %T for uuid", raw)
	}
	return s, nil
}

type stringCodec struct{}

func (stringCodec) encode(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func (stringCodec) decode(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected %T for text", raw)
	}
	return s, nil
}

type intCodec struct{}

func (intCodec) encode(v any) (any, error) {
	n, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return nil, fmt.Errorf("%d is out of range for Int", n)
	}
	return n, nil
}

func (intCodec) decode(raw any) (any, error) {
	return toInt64(raw)
}

type floatCodec struct{}

func (floatCodec) encode(v any) (any, error) {
	return toFloat64(v)
}

func (floatCodec) decode(raw any) (any, error) {
	return toFloat64(raw)
}

type boolCodec struct{}

func (boolCodec) encode(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("expected boolean, got %T", v)
	}
	return b, nil
}

func (boolCodec) decode(raw any) (any, error) {
	return boolCodec{}.encode(raw)
}

type dateTimeCodec struct{}

func (dateTimeCodec) encode(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return nil, fmt.Errorf("invalid DateTime %q", x)
		}
		return t.UTC(), nil
	default:
		return nil, fmt.Errorf("expected DateTime, got %T", v)
	}
}

func (dateTimeCodec) decode(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected %T for timestamptz", raw)
	}
	// JSON output uses the T separator, text output a space and a short offset.
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return nil, fmt.Errorf("invalid timestamptz %q", s)
}

type dateCodec struct{}

func (dateCodec) encode(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.Format(dateLayout), nil
	case string:
		if _, err := time.Parse(dateLayout, x); err != nil {
			return nil, fmt.Errorf("invalid Date %q", x)
		}
		return x, nil
	default:
		return nil, fmt.Errorf("expected Date, got %T", v)
	}
}

func (dateCodec) decode(raw any) (any, error) {
	return stringCodec{}.decode(raw)
}

type decimalCodec struct{}

func (decimalCodec) encode(v any) (any, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case int, int32, int64:
		s = fmt.Sprintf("%d", x)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return nil, fmt.Errorf("expected Decimal, got %T", v)
	}
	if _, ok := new(big.Rat).SetString(s); !ok {
		return nil, fmt.Errorf("invalid Decimal %q", s)
	}
	return s, nil
}

func (decimalCodec) decode(raw any) (any, error) {
	switch x := raw.(type) {
	case json.Number:
		return x.String(), nil
	case string:
		return x, nil
	default:
		return nil, fmt.Errorf("unexpected %T for numeric", raw)
	}
}

type jsonCodec struct{}

func (jsonCodec) encode(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON value: %w", err)
	}
	return string(data), nil
}

func (jsonCodec) decode(raw any) (any, error) {
	return raw, nil
}

type enumCodec struct {
	values []string
}

func (c enumCodec) encode(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected enum value, got %T", v)
	}
	if !slices.Contains(c.values, s) {
		return nil, fmt.Errorf("%q is not one of %v", s, c.values)
	}
	return s, nil
}

func (c enumCodec) decode(raw any) (any, error) {
	return stringCodec{}.decode(raw)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// textOf renders a driver value as the element text of an array literal.
func textOf(v any) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
