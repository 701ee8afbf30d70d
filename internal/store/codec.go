package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// encodeArtifact serializes a store as gzip-compressed JSON.
func encodeArtifact(s *Store) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(s); err != nil {
		return nil, fmt.Errorf("encoding store: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing store: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeArtifact parses a gzip-compressed JSON store artifact.
func decodeArtifact(data []byte) (*Store, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompressing store: %w", err)
	}
	defer zr.Close()

	var s Store
	if err := json.NewDecoder(zr).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding store: %w", err)
	}
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return nil, fmt.Errorf("draining store artifact: %w", err)
	}
	return &s, nil
}
