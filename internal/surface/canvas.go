// Package surface provides an in-memory drawing surface for decoded video.
package surface

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/image/draw"

	"github.com/zsiec/prism-player/media"
)

// ErrNoImage is returned when drawing a frame that has no pixels, such as
// one that was already closed.
var ErrNoImage = errors.New("surface: frame has no image")

// ScalerByName maps a configuration name to an interpolator.
func ScalerByName(name string) (draw.Scaler, error) {
	switch name {
	case "", "bilinear":
		return draw.ApproxBiLinear, nil
	case "nearest":
		return draw.NearestNeighbor, nil
	case "catmullrom":
		return draw.CatmullRom, nil
	}
	return nil, fmt.Errorf("surface: unknown scaler %q", name)
}

// Canvas is a media.Surface backed by an RGBA image. Resize discards the
// current contents, as resizing an HTML canvas does.
type Canvas struct {
	scaler draw.Scaler

	mu  sync.RWMutex
	img *image.RGBA

	draws   atomic.Int64
	resizes atomic.Int64
}

// New creates a canvas of the given size. A nil scaler means ApproxBiLinear.
func New(width, height int, scaler draw.Scaler) *Canvas {
	if scaler == nil {
		scaler = draw.ApproxBiLinear
	}
	return &Canvas{
		scaler: scaler,
		img:    image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// Resize reallocates the canvas when the dimensions change.
func (c *Canvas) Resize(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return
	}
	c.img = image.NewRGBA(image.Rect(0, 0, width, height))
	c.resizes.Add(1)
}

// Draw blits the frame at the origin, scaled to its display size.
func (c *Canvas) Draw(frame *media.DecodedFrame) error {
	if frame.Image == nil {
		return ErrNoImage
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dst := image.Rect(0, 0, frame.DisplayWidth, frame.DisplayHeight).Intersect(c.img.Bounds())
	src := frame.Image.Bounds()
	if dst.Size() == src.Size() {
		draw.Draw(c.img, dst, frame.Image, src.Min, draw.Src)
	} else {
		c.scaler.Scale(c.img, dst, frame.Image, src, draw.Src, nil)
	}
	c.draws.Add(1)
	return nil
}

// Size returns the canvas dimensions.
func (c *Canvas) Size() (width, height int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.img.Bounds()
	return b.Dx(), b.Dy()
}

// Snapshot returns a copy of the current contents.
func (c *Canvas) Snapshot() *image.RGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}

// WritePNG encodes the current contents as PNG.
func (c *Canvas) WritePNG(w io.Writer) error {
	return png.Encode(w, c.Snapshot())
}

// Draws returns the number of frames drawn.
func (c *Canvas) Draws() int64 { return c.draws.Load() }

// Resizes returns the number of times the dimensions changed.
func (c *Canvas) Resizes() int64 { return c.resizes.Load() }
