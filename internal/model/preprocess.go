package model

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// Preprocessor converts decoded images into the tensor layout the model was
// trained on.
type Preprocessor struct {
	size  int
	means [3]float32
}

func NewPreprocessor(meta Metadata) *Preprocessor {
	return &Preprocessor{
		size:  meta.ImageSize,
		means: meta.Means,
	}
}

// Preprocess stretches img to 224x224 with a bilinear filter (aspect ratio is
// not kept), scales components to [0,1], reorders RGB to BGR, subtracts the
// per-channel means and writes the result channel-major.
func (p *Preprocessor) Preprocess(img image.Image) (Tensor, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidInput)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrInvalidInput, bounds.Dx(), bounds.Dy())
	}

	targetSize := uint(p.size)
	resized := resize.Resize(targetSize, targetSize, img, resize.Bilinear)

	rb := resized.Bounds()
	width, height := rb.Dx(), rb.Dy()
	if width != p.size || height != p.size {
		return nil, fmt.Errorf("%w: resized to %dx%d", ErrInvalidInput, width, height)
	}

	plane := width * height
	tensor := make(Tensor, TensorChannels*plane)

	meanB, meanG, meanR := p.means[0], p.means[1], p.means[2]

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()

			rNorm := float32(r>>8) / 255.0
			gNorm := float32(g>>8) / 255.0
			bNorm := float32(b>>8) / 255.0

			pixelIndex := y*width + x
			tensor[pixelIndex] = bNorm - meanB
			tensor[plane+pixelIndex] = gNorm - meanG
			tensor[2*plane+pixelIndex] = rNorm - meanR
		}
	}

	return tensor, nil
}
