package provider

import (
	"encoding/json"
	"fmt"
	"iter"
)

// seekField consumes the opening of a JSON object and advances dec to the
// value of the top-level field name, skipping earlier fields. It reports
// false if the object has no such field.
func seekField(dec *json.Decoder, name string) (bool, error) {
	tok, err := dec.Token()
	if err != nil {
		return false, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return false, fmt.Errorf("expected JSON object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return false, err
		}
		if key, _ := tok.(string); key == name {
			return true, nil
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return false, err
		}
	}
	return false, nil
}

// streamArray decodes the JSON array at the decoder's position one element
// at a time. A value that is not an array (null, a status string) yields
// nothing.
func streamArray[T any](dec *json.Decoder) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		tok, err := dec.Token()
		if err != nil {
			yield(zero, err)
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			if delim == '{' {
				yield(zero, fmt.Errorf("expected JSON array, got object"))
			}
			return
		}

		for dec.More() {
			var item T
			if err := dec.Decode(&item); err != nil {
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}
