package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DecodeColumns decodes a flat JSON object, keeping numbers exact
func DecodeColumns(data []byte) (Columns, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var cols Columns
	if err := dec.Decode(&cols); err != nil {
		return nil, err
	}
	if cols == nil {
		return nil, fmt.Errorf("row image is null")
	}
	return cols, nil
}

// Has reports whether the column is present and not null
func (c Columns) Has(key string) bool {
	v, ok := c[key]
	return ok && v != nil
}

// Int64 reads an integer column. JSON numbers, numeric strings and whole
// floats are accepted.
func (c Columns) Int64(key string) (int64, bool) {
	switch v := c[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil && f == math.Trunc(f) {
			return int64(f), true
		}
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// String reads a column as text; numbers are formatted
func (c Columns) String(key string) (string, bool) {
	switch v := c[key].(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

// Date reads a calendar date column
func (c Columns) Date(key string) (Date, bool) {
	s, ok := c[key].(string)
	if !ok {
		return Date{}, false
	}
	d, err := ParseDate(s)
	if err != nil {
		return Date{}, false
	}
	return d, true
}
