package fingerprint

import (
	"context"
	"crypto/md5"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Fingerprinter derives a perceptual hash from a video keyframe. Re-encodes
// of the same footage produce nearby hashes, which a byte checksum cannot do.
type Fingerprinter struct {
	ffmpegPath string
}

func NewFingerprinter(ffmpegPath string) *Fingerprinter {
	return &Fingerprinter{ffmpegPath: ffmpegPath}
}

// Compute extracts one downscaled frame at seekSeconds and hashes its
// brightness pattern.
func (f *Fingerprinter) Compute(ctx context.Context, path string, seekSeconds int) (string, error) {
	tmpDir, err := os.MkdirTemp("", "phash-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	framePath := filepath.Join(tmpDir, "frame.jpg")

	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-ss", strconv.Itoa(seekSeconds),
		"-i", path,
		"-vframes", "1",
		"-vf", "scale=32:32",
		"-y",
		framePath,
	)
	if _, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("extract frame: %w", err)
	}

	file, err := os.Open(framePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}

	// 32x32 grayscale values
	bounds := img.Bounds()
	pixels := make([]float64, 32*32)
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			gray := color.GrayModel.Convert(color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), 255}).(color.Gray).Y
			pixels[y*32+x] = float64(gray)
		}
	}

	var sum float64
	for _, v := range pixels {
		sum += v
	}
	avg := sum / float64(len(pixels))

	// 1 bit per pixel: brighter than average or not
	bits := make([]byte, 0, len(pixels))
	for _, v := range pixels {
		if v > avg {
			bits = append(bits, '1')
		} else {
			bits = append(bits, '0')
		}
	}

	// Hex digest for compact storage
	hash := md5.Sum(bits)
	return fmt.Sprintf("%x", hash), nil
}
