package extract

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
)

// Binarize converts img to grayscale and applies a global Otsu threshold:
// pixels brighter than the threshold become white, the rest black.
func Binarize(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)

	var hist [256]int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			gray.SetGray(x, y, g)
			hist[g.Y]++
		}
	}

	threshold := OtsuThreshold(hist)
	for i, v := range gray.Pix {
		if v > threshold {
			gray.Pix[i] = 255
		} else {
			gray.Pix[i] = 0
		}
	}
	return gray
}

// OtsuThreshold picks the level that maximises between-class variance of hist.
func OtsuThreshold(hist [256]int) uint8 {
	total := 0
	sum := 0.0
	for level, count := range hist {
		total += count
		sum += float64(level * count)
	}
	if total == 0 {
		return 0
	}

	var (
		sumBackground float64
		weightBack    int
		bestVariance  float64
		best          int
	)
	for level := 0; level < 256; level++ {
		weightBack += hist[level]
		if weightBack == 0 {
			continue
		}
		weightFore := total - weightBack
		if weightFore == 0 {
			break
		}

		sumBackground += float64(level * hist[level])
		meanBack := sumBackground / float64(weightBack)
		meanFore := (sum - sumBackground) / float64(weightFore)

		diff := meanBack - meanFore
		variance := float64(weightBack) * float64(weightFore) * diff * diff
		if variance > bestVariance {
			bestVariance = variance
			best = level
		}
	}
	return uint8(best)
}

// BinarizeFile reads a PNG from src and writes its binarised form to dst.
func BinarizeFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer in.Close()

	img, err := png.Decode(in)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	if err := png.Encode(out, Binarize(img)); err != nil {
		out.Close()
		return fmt.Errorf("encode image: %w", err)
	}
	return out.Close()
}
