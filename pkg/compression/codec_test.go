package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"message":"hi"}`), 200)

	for _, encoding := range []string{Identity, Gzip, Brotli} {
		encoded, err := Encode(payload, encoding)
		require.NoError(t, err, encoding)

		decoded, err := Decode(encoded, encoding, int64(len(payload)))
		require.NoError(t, err, encoding)
		assert.Equal(t, payload, decoded, encoding)
	}
}

func TestThresholdIsStrictlyGreater(t *testing.T) {
	assert.False(t, ShouldCompress(DefaultThreshold-1, DefaultThreshold))
	assert.False(t, ShouldCompress(DefaultThreshold, DefaultThreshold))
	assert.True(t, ShouldCompress(DefaultThreshold+1, DefaultThreshold))
}

func TestDecodeCeiling(t *testing.T) {
	payload := bytes.Repeat([]byte{'a'}, 4096)
	encoded, err := Encode(payload, Gzip)
	require.NoError(t, err)

	// Exactly at the ceiling is allowed.
	decoded, err := Decode(encoded, Gzip, 4096)
	require.NoError(t, err)
	assert.Len(t, decoded, 4096)

	// One byte below the decompressed size is rejected.
	_, err = Decode(encoded, Gzip, 4095)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeIdentityCeiling(t *testing.T) {
	payload := bytes.Repeat([]byte{'a'}, 100)
	_, err := Decode(payload, Identity, 99)
	assert.ErrorIs(t, err, ErrTooLarge)

	out, err := Decode(payload, Identity, 100)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestUnknownEncoding(t *testing.T) {
	_, err := Encode([]byte("x"), "zstd")
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	_, err = Decode([]byte("x"), "zstd", 10)
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestCorruptData(t *testing.T) {
	_, err := Decode([]byte("definitely not gzip"), Gzip, 1024)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTooLarge)
}

func TestNegotiate(t *testing.T) {
	assert.Equal(t, Brotli, Negotiate("gzip, br"))
	assert.Equal(t, Brotli, Negotiate("br;q=1.0, gzip;q=0.8"))
	assert.Equal(t, Gzip, Negotiate("gzip, deflate"))
	assert.Equal(t, Gzip, Negotiate("*"))
	assert.Equal(t, Identity, Negotiate(""))
	assert.Equal(t, Identity, Negotiate("deflate"))
}
