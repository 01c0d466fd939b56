package lnurl

import (
	"bytes"
	"image/color"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/require"
)

func TestEncodeRoundTrip(t *testing.T) {
	serviceURL := "https://service.example/offers/default/6a38ebdd-0000-0000-0000-000000000000"

	encoded, err := Encode(serviceURL)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, "LNURL1"))
	require.Equal(t, strings.ToUpper(encoded), encoded)

	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(encoded))
	require.NoError(t, err)
	require.Equal(t, "lnurl", hrp)

	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	require.NoError(t, err)
	require.Equal(t, serviceURL, string(decoded))
}

func TestEncodeQRProducesPNG(t *testing.T) {
	png, err := EncodeQR("https://service.example/offers/default/abc", DefaultQROptions())
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")))
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#ff8000")
	require.NoError(t, err)
	r, g, b, _ := c.RGBA()
	require.Equal(t, uint32(0xffff), r)
	require.Equal(t, uint32(0x8080), g)
	require.Equal(t, uint32(0x0000), b)

	_, err = ParseColor("red")
	require.Error(t, err)
}

func TestQROptionsColors(t *testing.T) {
	opts := QROptions{Scale: 2, Light: color.White, Dark: color.Black}
	png, err := EncodeQR("https://service.example/x", opts)
	require.NoError(t, err)
	require.NotEmpty(t, png)
}
