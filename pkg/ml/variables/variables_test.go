package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariables(t *testing.T) {
	w := New("conv1/weights", ConvFilter, 4, 3, 3, 3)
	b := New("conv1/biases", Bias, 4)
	m := New("adam/m/conv1/weights", OptimizerState, 4, 3, 3, 3)
	require.NotNil(t, w.Grad)
	assert.Nil(t, m.Grad)
	assert.False(t, m.Trainable())

	vars := []*Variable{w, b, m}
	assert.Equal(t, 108+4+108, NumParameters(vars))
	assert.Equal(t, uintptr(4*(108+4+108)), Memory(vars))
	assert.Equal(t, []*Variable{w}, OfKind(vars, ConvFilter))
	assert.Equal(t, []*Variable{m, b, w}, Sorted(vars))

	w.Grad.Fill(3)
	w.ZeroGrad()
	assert.Equal(t, float32(0), w.Grad.Data()[0])

	index, err := ByName(vars)
	require.NoError(t, err)
	assert.Same(t, b, index["conv1/biases"])
	_, err = ByName([]*Variable{w, w})
	require.Error(t, err)
}

func TestKindText(t *testing.T) {
	text, err := Bias.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Bias", string(text))
	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("OptimizerState")))
	assert.Equal(t, OptimizerState, k)
	require.Error(t, k.UnmarshalText([]byte("Weights")))
	_, err = Kind(7).MarshalText()
	require.Error(t, err)
}
