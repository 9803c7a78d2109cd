package engine

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
)

// latentScale is the number of pixels per latent cell along each axis.
const latentScale = 8

// NoiseGenerator is a stand-in engine. It starts from seeded noise and moves
// a small RGB latent toward a pattern derived from the prompt text, reaching
// it on the last step. Results are deterministic for a given input.
type NoiseGenerator struct{}

func (NoiseGenerator) Generate(ctx context.Context, in Input) (Output, error) {
	t, c := in.Task, in.Cached
	if t.Width <= 0 || t.Height <= 0 {
		return Output{}, fmt.Errorf("invalid size %dx%d", t.Width, t.Height)
	}
	if err := c.Validate(); err != nil {
		return Output{}, err
	}
	if c.Complete() {
		return Output{}, fmt.Errorf("prompt %s already ran %d of %d steps", t.Prompt.ID, c.Step, c.Steps)
	}

	cols, rows := cells(t.Width), cells(t.Height)
	size := cols * rows * 3

	latent := c.Latent
	if len(latent) != size {
		latent = noise(t.Seed, size)
	} else {
		latent = bytes.Clone(latent)
	}
	target := pattern(t.Prompt.Text, cols, rows)

	strength := c.Strength
	if strength <= 0 || strength > 1 {
		strength = 1
	}
	remaining := float64(c.Steps - c.Step)
	alpha := 1 / remaining
	if c.Step+1 < c.Steps {
		alpha *= strength
	}
	for i := range latent {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		v := float64(latent[i]) + (float64(target[i])-float64(latent[i]))*alpha
		latent[i] = clamp(v)
	}

	data, err := encode(latent, cols, rows, t.Width, t.Height)
	if err != nil {
		return Output{}, err
	}

	c.Step++
	c.Latent = latent
	return Output{
		Task:        t,
		Cached:      c,
		ContentType: "image/png",
		ImageData:   data,
	}, nil
}

func cells(px int) int {
	n := px / latentScale
	if n < 1 {
		n = 1
	}
	return n
}

func noise(seed int64, n int) []byte {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(rng.UintN(256))
	}
	return out
}

// pattern is a diagonal gradient between two colors picked from the text.
func pattern(text string, cols, rows int) []byte {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()
	from := [3]float64{float64(sum & 0xff), float64(sum >> 8 & 0xff), float64(sum >> 16 & 0xff)}
	to := [3]float64{float64(sum >> 24 & 0xff), float64(sum >> 32 & 0xff), float64(sum >> 40 & 0xff)}

	out := make([]byte, cols*rows*3)
	span := float64(cols + rows - 2)
	if span <= 0 {
		span = 1
	}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			f := float64(x+y) / span
			i := (y*cols + x) * 3
			for ch := 0; ch < 3; ch++ {
				out[i+ch] = clamp(from[ch] + (to[ch]-from[ch])*f)
			}
		}
	}
	return out
}

func encode(latent []byte, cols, rows, width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		cy := min(y/latentScale, rows-1)
		for x := 0; x < width; x++ {
			cx := min(x/latentScale, cols-1)
			i := (cy*cols + cx) * 3
			img.SetRGBA(x, y, color.RGBA{R: latent[i], G: latent[i+1], B: latent[i+2], A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func clamp(v float64) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return byte(v + 0.5)
	}
}
