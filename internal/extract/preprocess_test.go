package extract

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOtsuThreshold_Bimodal(t *testing.T) {
	var hist [256]int
	hist[10] = 50
	hist[200] = 50

	threshold := OtsuThreshold(hist)
	assert.GreaterOrEqual(t, threshold, uint8(10))
	assert.Less(t, threshold, uint8(200))
}

func TestOtsuThreshold_Empty(t *testing.T) {
	var hist [256]int
	assert.Equal(t, uint8(0), OtsuThreshold(hist))
}

func TestBinarize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 30, G: 30, B: 30, A: 255})
	img.Set(1, 0, color.RGBA{R: 220, G: 220, B: 220, A: 255})

	out := Binarize(img)

	assert.Equal(t, uint8(0), out.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(255), out.GrayAt(1, 0).Y)
}

func TestBinarizeFile_InvalidImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(src, []byte("not a png"), 0o600))

	err := BinarizeFile(src, filepath.Join(dir, "out.png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode image")
}
