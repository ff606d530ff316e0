package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ContentHash fingerprints the graph contents. Child collections are
// ordered first so the hash does not depend on upstream ordering.
// Bookkeeping timestamps do not contribute.
func (g *Graph) ContentHash() string {
	c := Graph{
		Property:      g.Property,
		Buildings:     slices.Clone(g.Buildings),
		Registrations: slices.Clone(g.Registrations),
		Cases:         make([]ListingCase, len(g.Cases)),
	}
	slices.SortFunc(c.Buildings, func(a, b Building) int { return a.Position - b.Position })
	slices.SortFunc(c.Registrations, func(a, b Registration) int {
		return strings.Compare(a.RegistrationID, b.RegistrationID)
	})
	for i, lc := range g.Cases {
		lc.PriceChanges = slices.Clone(lc.PriceChanges)
		slices.SortFunc(lc.PriceChanges, func(a, b PriceChange) int {
			if d := a.ChangedAt.Compare(b.ChangedAt); d != 0 {
				return d
			}
			switch {
			case a.NewPrice < b.NewPrice:
				return -1
			case a.NewPrice > b.NewPrice:
				return 1
			}
			return 0
		})
		lc.Images = slices.Clone(lc.Images)
		slices.SortFunc(lc.Images, func(a, b CaseImage) int { return a.Position - b.Position })
		c.Cases[i] = lc
	}
	slices.SortFunc(c.Cases, func(a, b ListingCase) int { return strings.Compare(a.CaseID, b.CaseID) })

	// Marshal cannot fail: the graph holds only plain values.
	data, _ := json.Marshal(c)
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
