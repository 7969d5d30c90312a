package imagecache

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// rgb8 is a quantized 8-bit-per-channel color, used as the dedup key in
// the sample histogram.
type rgb8 struct{ r, g, b uint8 }

// extractThemeColor samples a 5x5 grid over the image (excluding a 10%
// border), rounds each channel down to a multiple of 16, and returns the most
// common non-grayscale color as a hex string. Mirrors the original's
// extract_theme_color pixel-for-pixel, including the >225/<30 brightness
// cutoffs and the saturation tiebreak.
func extractThemeColor(data []byte) (string, bool) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", false
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width < 50 || height < 50 {
		return "", false
	}

	borderX := width / 10
	borderY := height / 10
	sampleWidth := width - (2 * borderX)
	sampleHeight := height - (2 * borderY)

	counts := make(map[rgb8]int)
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			x := bounds.Min.X + borderX + (i * sampleWidth / 4)
			y := bounds.Min.Y + borderY + (j * sampleHeight / 4)

			r32, g32, b32, a32 := img.At(x, y).RGBA()
			// image.Color.RGBA() returns 16-bit-scaled components.
			r, g, b, a := uint8(r32>>8), uint8(g32>>8), uint8(b32>>8), uint8(a32>>8)
			if a < 128 {
				continue
			}

			quantized := rgb8{(r / 16) * 16, (g / 16) * 16, (b / 16) * 16}
			counts[quantized]++
		}
	}

	var bestColor rgb8
	found := false
	bestCount := 0
	bestSaturation := 0.0

	for color, count := range counts {
		brightness := (int(color.r) + int(color.g) + int(color.b)) / 3
		if brightness < 30 || brightness > 225 {
			continue
		}

		max := float64(color.r)
		if float64(color.g) > max {
			max = float64(color.g)
		}
		if float64(color.b) > max {
			max = float64(color.b)
		}
		min := float64(color.r)
		if float64(color.g) < min {
			min = float64(color.g)
		}
		if float64(color.b) < min {
			min = float64(color.b)
		}
		saturation := 0.0
		if max > 0 {
			saturation = (max - min) / max
		}
		if saturation == 0 {
			continue
		}

		if count > bestCount || (count == bestCount && saturation > bestSaturation) {
			bestColor = color
			bestCount = count
			bestSaturation = saturation
			found = true
		}
	}

	if !found {
		return "", false
	}
	return fmt.Sprintf("#%02x%02x%02x", bestColor.r, bestColor.g, bestColor.b), true
}

// shouldExtractThemeColor mirrors the original's should_extract_theme_color
// gate: only poster variants at w300/w342/w185 get theme-color extraction.
func shouldExtractThemeColor(key *VariantKey, variant string) bool {
	if key == nil {
		return false
	}
	if key.ImageType != KindPoster {
		return false
	}
	switch variant {
	case "w300", "w342", "w185":
		return true
	default:
		return false
	}
}
