package model

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
)

// OfferSparse carries the mutable fields of an offer.
type OfferSparse struct {
	MinSendable uint64     `json:"minSendable"`
	MaxSendable uint64     `json:"maxSendable"`
	MetadataID  uuid.UUID  `json:"metadataId"`
	Timestamp   time.Time  `json:"timestamp"`
	Expires     *time.Time `json:"expires,omitempty"`
}

// OfferRecord is one LNURL-pay offer, keyed by (partition, id). The metadata
// id references an OfferMetadata row in the same partition.
type OfferRecord struct {
	Partition string    `json:"partition"`
	ID        uuid.UUID `json:"id"`
	OfferSparse
}

// Validate checks the offer invariants.
func (o OfferRecord) Validate() error {
	if o.Partition == "" {
		return fmt.Errorf("offer partition is required")
	}
	if o.MinSendable < 1 {
		return fmt.Errorf("minSendable must be at least 1 msat")
	}
	if o.MinSendable > o.MaxSendable {
		return fmt.Errorf("minSendable %d exceeds maxSendable %d", o.MinSendable, o.MaxSendable)
	}
	if o.MetadataID == uuid.Nil {
		return fmt.Errorf("offer metadataId is required")
	}
	if o.Expires != nil && !o.Expires.After(o.Timestamp) {
		return fmt.Errorf("offer expiry must be after its timestamp")
	}
	return nil
}

// ExpiredAt reports whether the offer is outside its validity window at the
// given instant. Offers timestamped in the future are not yet valid.
func (o OfferRecord) ExpiredAt(now time.Time) bool {
	if now.Before(o.Timestamp) {
		return true
	}
	return o.Expires != nil && now.After(*o.Expires)
}

// MetadataImage is a tagged union over the supported inline image encodings.
// Exactly one variant is set; bytes are base64 on the wire.
type MetadataImage struct {
	PNG  []byte `json:"png,omitempty"`
	JPEG []byte `json:"jpeg,omitempty"`
}

// Validate checks that exactly one image variant is set.
func (i MetadataImage) Validate() error {
	if (len(i.PNG) == 0) == (len(i.JPEG) == 0) {
		return fmt.Errorf("metadata image must set exactly one of png, jpeg")
	}
	return nil
}

// MetadataIdentifier is a tagged union over the LUD-06 identifier entry
// types. Exactly one variant is set.
type MetadataIdentifier struct {
	Email string `json:"email,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Validate checks that exactly one identifier variant is set and that email
// identifiers parse.
func (i MetadataIdentifier) Validate() error {
	if (i.Email == "") == (i.Text == "") {
		return fmt.Errorf("metadata identifier must set exactly one of email, text")
	}
	if i.Email != "" {
		if _, err := mail.ParseAddress(i.Email); err != nil {
			return fmt.Errorf("invalid identifier email %q: %w", i.Email, err)
		}
	}
	return nil
}

// MetadataSparse carries the mutable fields of offer metadata.
type MetadataSparse struct {
	Text       string              `json:"text"`
	LongText   string              `json:"longText,omitempty"`
	Image      *MetadataImage      `json:"image,omitempty"`
	Identifier *MetadataIdentifier `json:"identifier,omitempty"`
}

// OfferMetadata is the payment metadata referenced by offers, keyed by
// (partition, id).
type OfferMetadata struct {
	ID        uuid.UUID `json:"id"`
	Partition string    `json:"partition"`
	MetadataSparse
}

// Validate checks the metadata invariants.
func (m OfferMetadata) Validate() error {
	if m.Partition == "" {
		return fmt.Errorf("metadata partition is required")
	}
	if m.Text == "" {
		return fmt.Errorf("metadata text is required")
	}
	if m.Image != nil {
		if err := m.Image.Validate(); err != nil {
			return err
		}
	}
	if m.Identifier != nil {
		if err := m.Identifier.Validate(); err != nil {
			return err
		}
	}
	return nil
}
