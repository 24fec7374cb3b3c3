package envelope

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
)

// ExtractEncrypted pulls the encrypted payload out of a callback body.
// Both the XML form (<xml><Encrypt>...</Encrypt></xml>) and the JSON form
// ({"encrypt": "..."}) are accepted.
func ExtractEncrypted(body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrMalformed)
	}

	if body[0] == '<' {
		var x struct {
			Encrypt string `xml:"Encrypt"`
		}
		if err := xml.Unmarshal(body, &x); err != nil {
			return "", fmt.Errorf("%w: xml: %v", ErrMalformed, err)
		}
		if x.Encrypt == "" {
			return "", fmt.Errorf("%w: missing Encrypt element", ErrMalformed)
		}
		return x.Encrypt, nil
	}

	var j map[string]any
	if err := json.Unmarshal(body, &j); err != nil {
		return "", fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}
	for _, k := range []string{"encrypt", "Encrypt"} {
		if s, ok := j[k].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: missing encrypt field", ErrMalformed)
}
