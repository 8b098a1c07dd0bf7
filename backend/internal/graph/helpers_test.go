package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHistogram(t *testing.T) {
	h, err := decodeHistogram("")
	require.NoError(t, err)
	assert.Empty(t, h)

	h, err = decodeHistogram(`{"Cap rents":3,"Abolish caps":1}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Cap rents": 3, "Abolish caps": 1}, h)
}

func TestDecodeHistogram_CorruptIsAnError(t *testing.T) {
	for _, raw := range []string{`{"Cap rents":3`, `["Cap rents"]`, `{"Cap rents":"three"}`} {
		h, err := decodeHistogram(raw)
		assert.Error(t, err, raw)
		assert.Empty(t, h, raw)
	}
}
