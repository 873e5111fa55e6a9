package stack

import "encoding/json"

const redacted = "(sensitive)"

// Sensitive holds a value that must not appear in logs or rendered output.
// Every encoding prints a placeholder; Reveal returns the raw value.
type Sensitive string

// Reveal returns the raw value.
func (s Sensitive) Reveal() string { return string(s) }

func (s Sensitive) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from leaking the value.
func (s Sensitive) GoString() string { return s.String() }

func (s Sensitive) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Sensitive) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Sensitive) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}
