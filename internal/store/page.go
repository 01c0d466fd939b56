package store

import (
	"sort"

	"github.com/switchgear-ln/switchgear/internal/model"
)

func sortOffers(offers []model.OfferRecord) {
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].ID.String() < offers[j].ID.String()
	})
}

func sortMetadata(metadata []model.OfferMetadata) {
	sort.Slice(metadata, func(i, j int) bool {
		return metadata[i].ID.String() < metadata[j].ID.String()
	})
}

// pageOf slices out a zero-based page. A non-positive pageSize returns
// everything from the page start.
func pageOf[T any](all []T, page, pageSize int) []T {
	if page < 0 {
		page = 0
	}
	offset := 0
	if pageSize > 0 {
		offset = page * pageSize
	}
	if offset >= len(all) {
		return []T{}
	}
	end := len(all)
	if pageSize > 0 && offset+pageSize < end {
		end = offset + pageSize
	}
	return all[offset:end]
}
