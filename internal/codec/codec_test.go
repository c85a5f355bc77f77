package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	data := []byte(`{"items":{"1":{"record":"hello","seqNo":1}},"itemsIndex":[{"itemId":"1","seqNo":1}]}`)

	compressed, err := Compress(data)
	require.NoError(t, err)
	assert.NotEmpty(t, compressed)

	decompressed, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}

func TestBase64RoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xff, 0x7f}
	encoded := EncodeBase64(data)

	decoded, err := DecodeBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	in := doc{Name: "widgets", Count: 3}

	raw, err := Marshal(in)
	require.NoError(t, err)

	var out doc
	require.NoError(t, Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestDecodeBase64Invalid(t *testing.T) {
	_, err := DecodeBase64("not valid base64!!")
	assert.Error(t, err)
}
