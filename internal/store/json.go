package store

import "encoding/json"

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON[T any](s string, into *T) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), into)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
