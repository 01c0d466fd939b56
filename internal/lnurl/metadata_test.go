package lnurl

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/switchgear-ln/switchgear/internal/model"
)

func TestEncodeMetadata(t *testing.T) {
	tests := []struct {
		name string
		meta model.MetadataSparse
		want string
	}{
		{
			name: "text only",
			meta: model.MetadataSparse{Text: "Payment"},
			want: `[["text/plain","Payment"]]`,
		},
		{
			name: "text and long text",
			meta: model.MetadataSparse{Text: "Payment", LongText: "A longer description"},
			want: `[["text/plain","Payment"],["text/long-desc","A longer description"]]`,
		},
		{
			name: "png image",
			meta: model.MetadataSparse{
				Text:  "Payment",
				Image: &model.MetadataImage{PNG: []byte{0x01, 0x02}},
			},
			want: `[["text/plain","Payment"],["image/png;base64","AQI="]]`,
		},
		{
			name: "jpeg image",
			meta: model.MetadataSparse{
				Text:  "Payment",
				Image: &model.MetadataImage{JPEG: []byte{0x01, 0x02}},
			},
			want: `[["text/plain","Payment"],["image/jpeg;base64","AQI="]]`,
		},
		{
			name: "email identifier",
			meta: model.MetadataSparse{
				Text:       "Payment",
				Identifier: &model.MetadataIdentifier{Email: "pay@example.com"},
			},
			want: `[["text/plain","Payment"],["text/email","pay@example.com"]]`,
		},
		{
			name: "text identifier",
			meta: model.MetadataSparse{
				Text:       "Payment",
				Identifier: &model.MetadataIdentifier{Text: "tips"},
			},
			want: `[["text/plain","Payment"],["text/identifier","tips"]]`,
		},
		{
			name: "html characters kept verbatim",
			meta: model.MetadataSparse{Text: "Fish & Chips <large>"},
			want: `[["text/plain","Fish & Chips <large>"]]`,
		},
		{
			name: "all entries ordered",
			meta: model.MetadataSparse{
				Text:       "Payment",
				LongText:   "long",
				Image:      &model.MetadataImage{PNG: []byte{0xff}},
				Identifier: &model.MetadataIdentifier{Email: "pay@example.com"},
			},
			want: `[["text/plain","Payment"],["text/long-desc","long"],["image/png;base64","/w=="],["text/email","pay@example.com"]]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeMetadata(tt.meta)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMetadataHash(t *testing.T) {
	encoded, err := EncodeMetadata(model.MetadataSparse{Text: "Payment"})
	require.NoError(t, err)
	require.Equal(t, sha256.Sum256([]byte(`[["text/plain","Payment"]]`)), MetadataHash(encoded))
}
