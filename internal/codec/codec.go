// Package codec implements the Codec component of spec.md section 4
// (and the wire format of section 6): LZ-like compression of bundle
// plaintext, base64 framing, and JSON marshaling of the bundle's
// {items, itemsIndex} document.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Compress DEFLATE-compresses data. Bundles are JSON text with heavy key
// and structural repetition, so a cheap LZ-family codec buys most of the
// available ratio without the CPU cost of a stronger general-purpose
// compressor.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("codec: new flate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("codec: flate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: flate close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: flate read: %w", err)
	}
	return out, nil
}

// EncodeBase64 / DecodeBase64 frame encrypted bundles for JSON transport.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func DecodeBase64(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: base64 decode: %w", err)
	}
	return out, nil
}

// Marshal / Unmarshal wrap jsoniter with the standard-library-compatible
// config, used for both the bundle document and the outer message envelope.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
