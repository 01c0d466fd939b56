package lnurl

import (
	"fmt"
	"image/color"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	qrcode "github.com/skip2/go-qrcode"
)

// Encode renders a service URL as an uppercase bech32 string with the "lnurl"
// human-readable part, per LUD-17.
func Encode(serviceURL string) (string, error) {
	conv, err := bech32.ConvertBits([]byte(serviceURL), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert url bits: %w", err)
	}
	enc, err := bech32.Encode("lnurl", conv)
	if err != nil {
		return "", fmt.Errorf("bech32 encode: %w", err)
	}
	return strings.ToUpper(enc), nil
}

// QROptions controls the rendered QR image. Scale is pixels per module;
// Light and Dark are the background and foreground colors.
type QROptions struct {
	Scale uint8
	Light color.Color
	Dark  color.Color
}

// DefaultQROptions matches the usual black-on-white rendering at 4 pixels
// per module.
func DefaultQROptions() QROptions {
	return QROptions{Scale: 4, Light: color.White, Dark: color.Black}
}

// EncodeQR renders the bech32 form of a service URL as a PNG QR code.
func EncodeQR(serviceURL string, opts QROptions) ([]byte, error) {
	encoded, err := Encode(serviceURL)
	if err != nil {
		return nil, err
	}
	q, err := qrcode.New(encoded, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("build qr code: %w", err)
	}
	if opts.Light != nil {
		q.BackgroundColor = opts.Light
	}
	if opts.Dark != nil {
		q.ForegroundColor = opts.Dark
	}
	scale := int(opts.Scale)
	if scale == 0 {
		scale = 4
	}
	// A negative size renders at |size| pixels per module instead of a
	// fixed image size.
	png, err := q.PNG(-scale)
	if err != nil {
		return nil, fmt.Errorf("render qr png: %w", err)
	}
	return png, nil
}

// ParseColor parses a "#rrggbb" hex color.
func ParseColor(s string) (color.Color, error) {
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return nil, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: r, G: g, B: b, A: 0xff}, nil
}
