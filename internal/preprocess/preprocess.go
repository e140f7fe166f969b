// Package preprocess turns uploaded image bytes into the fixed-shape tensor
// the classifier expects.
//
// Every image is decoded, flattened onto opaque RGB (alpha is dropped, gray
// is expanded to three equal channels), resized to Size×Size with bicubic
// interpolation from github.com/nfnt/resize, and scaled from [0,255] to [0,1].
// The aspect ratio is not preserved; nothing is cropped.
package preprocess

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/thoraxsense/xray-api/internal/errors"
)

const (
	DefaultSize = 224
	Channels    = 3
)

// Interpolation is fixed so the same upload always yields the same tensor.
var Interpolation = resize.Bicubic

// Tensor is a Height×Width×Channels image in row-major HWC order with values in [0,1].
type Tensor struct {
	Height int
	Width  int
	Data   []float32
}

func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*Channels+c]
}

// Shape is the tensor shape without a batch dimension.
func (t *Tensor) Shape() []int64 {
	return []int64{int64(t.Height), int64(t.Width), Channels}
}

// CHW returns a channel-first copy of the data for models exported as NCHW.
func (t *Tensor) CHW() []float32 {
	plane := t.Height * t.Width
	out := make([]float32, len(t.Data))
	for i := 0; i < plane; i++ {
		for c := 0; c < Channels; c++ {
			out[c*plane+i] = t.Data[i*Channels+c]
		}
	}
	return out
}

type Decoder struct {
	size int
}

func NewDecoder(size int) *Decoder {
	if size <= 0 {
		size = DefaultSize
	}
	return &Decoder{size: size}
}

func (d *Decoder) Size() int {
	return d.size
}

// Decode parses data as JPEG, PNG, GIF, BMP, TIFF or WebP and normalizes it.
func (d *Decoder) Decode(data []byte) (*Tensor, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDecode, "preprocess.decode", "invalid image format", err)
	}
	if img.Bounds().Empty() {
		return nil, apperrors.New(apperrors.KindDecode, "preprocess.decode", "image has no pixels")
	}
	return d.Normalize(img), nil
}

// Normalize converts an already decoded image into a tensor.
func (d *Decoder) Normalize(img image.Image) *Tensor {
	size := uint(d.size)
	resized := resize.Resize(size, size, toRGB(img), Interpolation)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	data := make([]float32, height*width*Channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := (y*width + x) * Channels
			data[i] = float32(r>>8) / 255.0
			data[i+1] = float32(g>>8) / 255.0
			data[i+2] = float32(b>>8) / 255.0
		}
	}

	return &Tensor{Height: height, Width: width, Data: data}
}

// toRGB copies img into an opaque RGBA image using the straight (non
// premultiplied) colour components, which drops alpha without darkening
// translucent pixels.
func toRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out
}
