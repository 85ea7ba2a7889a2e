package clusterconfig

import (
	"bytes"
	"encoding/json"
)

// CanonicalJSON serializes v into JSON with object keys sorted at every
// level. Numbers are kept as-is.
func CanonicalJSON(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// toGeneric converts v into a tree of maps/slices/json.Number, encoding/json
// sorts map keys on marshaling.
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var res any
	if err := dec.Decode(&res); err != nil {
		return nil, err
	}
	return res, nil
}
