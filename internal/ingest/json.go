package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errEmptyBody = errors.New("empty payload")

// DecodePayloads accepts a single JSON object or an array of objects.
// Numbers are kept as json.Number so validation can report non-numeric
// fields precisely.
func DecodePayloads(data []byte) ([]map[string]any, bool, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, false, errEmptyBody
	}
	dec := json.NewDecoder(bytes.NewReader(trim))
	dec.UseNumber()
	if trim[0] == '[' {
		var list []map[string]any
		if err := dec.Decode(&list); err != nil {
			return nil, true, err
		}
		return list, true, nil
	}
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false, err
	}
	return []map[string]any{obj}, false, nil
}
