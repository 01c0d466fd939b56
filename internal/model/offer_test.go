package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testOffer() OfferRecord {
	return OfferRecord{
		Partition: "default",
		ID:        uuid.New(),
		OfferSparse: OfferSparse{
			MinSendable: 1000,
			MaxSendable: 100000,
			MetadataID:  uuid.New(),
			Timestamp:   time.Now().Add(-time.Hour),
		},
	}
}

func TestOfferValidate(t *testing.T) {
	require.NoError(t, testOffer().Validate())

	noPartition := testOffer()
	noPartition.Partition = ""
	require.Error(t, noPartition.Validate())

	zeroMin := testOffer()
	zeroMin.MinSendable = 0
	require.Error(t, zeroMin.Validate())

	inverted := testOffer()
	inverted.MinSendable = 200000
	require.Error(t, inverted.Validate())

	noMetadata := testOffer()
	noMetadata.MetadataID = uuid.Nil
	require.Error(t, noMetadata.Validate())

	expiresBeforeTimestamp := testOffer()
	expired := expiresBeforeTimestamp.Timestamp.Add(-time.Minute)
	expiresBeforeTimestamp.Expires = &expired
	require.Error(t, expiresBeforeTimestamp.Validate())
}

func TestOfferExpiredAt(t *testing.T) {
	now := time.Now()

	current := testOffer()
	require.False(t, current.ExpiredAt(now))

	future := testOffer()
	future.Timestamp = now.Add(time.Hour)
	require.True(t, future.ExpiredAt(now))

	past := testOffer()
	expiry := now.Add(-time.Minute)
	past.Expires = &expiry
	require.True(t, past.ExpiredAt(now))

	stillValid := testOffer()
	expiry = now.Add(time.Minute)
	stillValid.Expires = &expiry
	require.False(t, stillValid.ExpiredAt(now))
}

func TestMetadataValidate(t *testing.T) {
	valid := OfferMetadata{
		Partition:      "default",
		ID:             uuid.New(),
		MetadataSparse: MetadataSparse{Text: "Payment"},
	}
	require.NoError(t, valid.Validate())

	noText := valid
	noText.Text = ""
	require.Error(t, noText.Validate())

	bothImages := valid
	bothImages.Image = &MetadataImage{PNG: []byte{1}, JPEG: []byte{2}}
	require.Error(t, bothImages.Validate())

	pngOnly := valid
	pngOnly.Image = &MetadataImage{PNG: []byte{1}}
	require.NoError(t, pngOnly.Validate())

	badEmail := valid
	badEmail.Identifier = &MetadataIdentifier{Email: "not-an-email"}
	require.Error(t, badEmail.Validate())

	textIdentifier := valid
	textIdentifier.Identifier = &MetadataIdentifier{Text: "tips"}
	require.NoError(t, textIdentifier.Validate())
}
