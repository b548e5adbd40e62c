package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[string]()
	assert.Len(t, s, 0)

	s.Insert("psnr_val", "loss", "loss")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("loss"))
	assert.True(t, s.Has("psnr_val"))
	assert.False(t, s.Has("psnr_train"))
	assert.Equal(t, []string{"loss", "psnr_val"}, Sorted(s))

	types := Make("PSNR", "loss")
	assert.Len(t, types, 2)
	assert.True(t, types.Has("PSNR"))
	assert.False(t, types.Has("psnr"))
	assert.Empty(t, Sorted(Make[int]()))
}
