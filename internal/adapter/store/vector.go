package store

import (
	"encoding/json"
	"fmt"
)

// encodeEmbedding serializes a vector as a JSON number array, e.g. [0.1,0.2,0.3].
// encoding/json emits the shortest representation that parses back to the same float64.
func encodeEmbedding(v []float64) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode embedding: %w", err)
	}
	return string(b), nil
}

func decodeEmbedding(s string) ([]float64, error) {
	var v []float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return v, nil
}
