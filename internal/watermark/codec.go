package watermark

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotImage indicates the file could not be decoded as an image at all.
var ErrNotImage = errors.New("watermark: not a decodable image")

// Codec applies and extracts a raw byte mark. Implementations own the pixel
// transform; the rest of the subsystem only cares about the byte contract.
type Codec interface {
	Embed(srcPath, destPath string, mark []byte) error
	Extract(srcPath string, bits int) ([]byte, error)
}

const (
	blockSize = 8
	// quantStep is the quantization step for the block-mean modulation. Large
	// enough to survive mild recompression, small enough to stay invisible.
	quantStep = 8
)

// BlockCodec embeds one bit per 8x8 block by quantizing the block's mean
// blue value, scanning blocks row-major. It needs an image of at least
// bits/8 blocks (128x128 px for a 256-bit mark).
type BlockCodec struct {
	// JPEGQuality applies when the destination has a .jpg/.jpeg extension.
	// Zero means 95.
	JPEGQuality int
}

// Embed writes a marked copy of srcPath to destPath.
func (c *BlockCodec) Embed(srcPath, destPath string, mark []byte) error {
	img, err := loadImage(srcPath)
	if err != nil {
		return err
	}
	bounds := img.Bounds()
	blocksX := bounds.Dx() / blockSize
	blocksY := bounds.Dy() / blockSize
	bits := len(mark) * 8
	if blocksX*blocksY < bits {
		return fmt.Errorf("watermark: image too small for %d-bit mark (%dx%d)", bits, bounds.Dx(), bounds.Dy())
	}

	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	for i := 0; i < bits; i++ {
		bit := (mark[i/8] >> (7 - uint(i%8))) & 1
		bx := (i % blocksX) * blockSize
		by := (i / blocksX) * blockSize
		embedBlockBit(out, bounds.Min.X+bx, bounds.Min.Y+by, bit)
	}
	return c.save(out, destPath)
}

// Extract recovers bits/8 bytes from srcPath.
func (c *BlockCodec) Extract(srcPath string, bits int) ([]byte, error) {
	img, err := loadImage(srcPath)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	blocksX := bounds.Dx() / blockSize
	blocksY := bounds.Dy() / blockSize
	if blocksX*blocksY < bits {
		return nil, nil
	}
	mark := make([]byte, bits/8)
	for i := 0; i < bits; i++ {
		bx := (i % blocksX) * blockSize
		by := (i / blocksX) * blockSize
		bit := extractBlockBit(img, bounds.Min.X+bx, bounds.Min.Y+by)
		mark[i/8] |= bit << (7 - uint(i%8))
	}
	return mark, nil
}

// embedBlockBit shifts the block's mean blue value to the nearest quantizer
// cell whose parity matches bit.
func embedBlockBit(img *image.NRGBA, x0, y0 int, bit byte) {
	mean := blockMeanBlue(img, x0, y0)
	q := (mean + quantStep/2) / quantStep
	if byte(q%2) != bit {
		if (q+1)*quantStep <= 255 {
			q++
		} else {
			q--
		}
	}
	delta := q*quantStep - mean
	if delta == 0 {
		return
	}
	for y := y0; y < y0+blockSize; y++ {
		for x := x0; x < x0+blockSize; x++ {
			px := img.NRGBAAt(x, y)
			px.B = clampByte(int(px.B) + delta)
			img.SetNRGBA(x, y, px)
		}
	}
}

func extractBlockBit(img image.Image, x0, y0 int) byte {
	mean := blockMeanBlueAny(img, x0, y0)
	q := (mean + quantStep/2) / quantStep
	return byte(q % 2)
}

func blockMeanBlue(img *image.NRGBA, x0, y0 int) int {
	var sum int
	for y := y0; y < y0+blockSize; y++ {
		for x := x0; x < x0+blockSize; x++ {
			sum += int(img.NRGBAAt(x, y).B)
		}
	}
	return sum / (blockSize * blockSize)
}

func blockMeanBlueAny(img image.Image, x0, y0 int) int {
	var sum int
	for y := y0; y < y0+blockSize; y++ {
		for x := x0; x < x0+blockSize; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			sum += int(c.B)
		}
	}
	return sum / (blockSize * blockSize)
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return img, nil
}

func (c *BlockCodec) save(img image.Image, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("watermark: create output: %w", err)
	}
	switch strings.ToLower(filepath.Ext(destPath)) {
	case ".png":
		err = png.Encode(f, img)
	default:
		quality := c.JPEGQuality
		if quality <= 0 {
			quality = 95
		}
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		f.Close()
		os.Remove(destPath)
		return fmt.Errorf("watermark: encode output: %w", err)
	}
	return f.Close()
}
