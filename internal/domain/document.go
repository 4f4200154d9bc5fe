package domain

import (
	"encoding/json"
	"fmt"
)

// MarshalDocument encodes a deployment as its stored JSON document.
func MarshalDocument(d Deployment) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode deployment %s: %w", d.ID, err)
	}
	return raw, nil
}

// UnmarshalDocument decodes a stored JSON document.
func UnmarshalDocument(raw []byte) (Deployment, error) {
	var d Deployment
	if err := json.Unmarshal(raw, &d); err != nil {
		return Deployment{}, fmt.Errorf("decode deployment: %w", err)
	}
	return d, nil
}
