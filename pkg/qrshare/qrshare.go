// Package qrshare renders share links as PNG QR codes with a small globe
// mark in the middle.  Error correction is set to Highest so the covered
// modules still decode.
package qrshare

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	qrcode "github.com/skip2/go-qrcode"
)

// MaxPayload caps the encoded URL length.
const MaxPayload = 1024

// ErrPayload is returned for empty or oversized payloads.
var ErrPayload = errors.New("qr payload must be 1..1024 bytes")

// Options tune the image.  Zero values pick the defaults.
type Options struct {
	SizePx  int
	Fg, Bg  color.RGBA
	Mark    color.RGBA
	MarkPct float64 // center box as a fraction of the side, 0.10..0.25
}

func (o *Options) defaults() {
	if o.SizePx <= 0 {
		o.SizePx = 512
	}
	if o.SizePx > 2048 {
		o.SizePx = 2048
	}
	if (o.Fg == color.RGBA{}) {
		o.Fg = color.RGBA{0x1b, 0x26, 0x3b, 0xff}
	}
	if (o.Bg == color.RGBA{}) {
		o.Bg = color.RGBA{0xff, 0xff, 0xff, 0xff}
	}
	if (o.Mark == color.RGBA{}) {
		o.Mark = color.RGBA{0x2f, 0x7e, 0xd8, 0xff}
	}
	switch {
	case o.MarkPct <= 0:
		o.MarkPct = 0.2
	case o.MarkPct < 0.1:
		o.MarkPct = 0.1
	case o.MarkPct > 0.25:
		o.MarkPct = 0.25
	}
}

// EncodePNG writes a QR code for payload to w.
func EncodePNG(w io.Writer, payload string, opt Options) error {
	if payload == "" || len(payload) > MaxPayload {
		return ErrPayload
	}
	opt.defaults()

	qr, err := qrcode.New(payload, qrcode.Highest)
	if err != nil {
		return err
	}
	qr.ForegroundColor = opt.Fg
	qr.BackgroundColor = opt.Bg

	src := qr.Image(opt.SizePx)
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	side := int(opt.MarkPct * float64(min(b.Dx(), b.Dy())))
	cx, cy := b.Dx()/2, b.Dy()/2
	fillRect(dst, cx-side/2, cy-side/2, side, side, opt.Bg)
	drawGlobe(dst, cx, cy, side/2-side/10, opt.Mark)

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, dst)
}

// drawGlobe paints an outline circle with an equator and two meridian
// ellipses.
func drawGlobe(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	if r <= 2 {
		return
	}
	stroke := max(1, r/8)
	ellipse(img, cx, cy, r, r, stroke, col)
	ellipse(img, cx, cy, r/2, r, stroke, col)
	fillRect(img, cx-r, cy-stroke/2, 2*r, stroke, col)
	fillRect(img, cx-stroke/2, cy-r, stroke, 2*r, col)
}

// ellipse strokes the outline of an axis-aligned ellipse.
func ellipse(img *image.RGBA, cx, cy, rx, ry, stroke int, col color.RGBA) {
	bounds := img.Bounds()
	outerX, outerY := float64(rx), float64(ry)
	innerX, innerY := math.Max(outerX-float64(stroke), 0.5), math.Max(outerY-float64(stroke), 0.5)
	for y := cy - ry; y <= cy+ry; y++ {
		for x := cx - rx; x <= cx+rx; x++ {
			if !(image.Point{X: x, Y: y}).In(bounds) {
				continue
			}
			dx, dy := float64(x-cx), float64(y-cy)
			outside := dx*dx/(outerX*outerX)+dy*dy/(outerY*outerY) > 1
			inside := dx*dx/(innerX*innerX)+dy*dy/(innerY*innerY) < 1
			if !outside && !inside {
				img.SetRGBA(x, y, col)
			}
		}
	}
}

func fillRect(img *image.RGBA, x, y, w, h int, col color.RGBA) {
	r := image.Rect(x, y, x+w, y+h).Intersect(img.Bounds())
	draw.Draw(img, r, &image.Uniform{C: col}, image.Point{}, draw.Src)
}
