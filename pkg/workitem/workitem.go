// Package workitem defines the bounded queries the planner produces and the
// pool consumes.
package workitem

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Status narrows a query by listing state.
type Status string

const (
	// StatusAny matches every property.
	StatusAny Status = ""
	// StatusOnMarket matches properties with an open listing case.
	StatusOnMarket Status = "on_market"
	// StatusListed matches properties that ever had a listing case.
	StatusListed Status = "listed"
)

// Level is the geographic granularity of a query.
type Level int

const (
	LevelArea Level = iota
	LevelMunicipality
	LevelZip
)

func (l Level) String() string {
	switch l {
	case LevelMunicipality:
		return "municipality"
	case LevelZip:
		return "zip"
	default:
		return "area"
	}
}

// Query describes a set of properties at the upstream API.
type Query struct {
	Municipalities []string `json:"municipalities,omitempty"`
	ZipCode        int      `json:"zip_code,omitempty"`
	AddressTypes   []string `json:"address_types,omitempty"`
	Status         Status   `json:"status,omitempty"`
}

// Level reports the granularity of q.
func (q Query) Level() Level {
	switch {
	case q.ZipCode > 0:
		return LevelZip
	case len(q.Municipalities) == 1:
		return LevelMunicipality
	default:
		return LevelArea
	}
}

// ForMunicipality narrows q to one municipality.
func (q Query) ForMunicipality(name string) Query {
	n := q.clone()
	n.Municipalities = []string{name}
	n.ZipCode = 0
	return n
}

// ForZip narrows q to one zip code inside its municipality.
func (q Query) ForZip(zip int) Query {
	n := q.clone()
	n.ZipCode = zip
	return n
}

func (q Query) clone() Query {
	n := q
	n.Municipalities = slices.Clone(q.Municipalities)
	n.AddressTypes = slices.Clone(q.AddressTypes)
	return n
}

// Canonical returns a deterministic string form of q. Two queries select
// the same rows iff their canonical forms are equal.
func (q Query) Canonical() string {
	parts := make([]string, 0, 4)

	if len(q.AddressTypes) > 0 {
		types := slices.Clone(q.AddressTypes)
		slices.Sort(types)
		parts = append(parts, "types="+strings.Join(types, ","))
	}
	if len(q.Municipalities) > 0 {
		munis := slices.Clone(q.Municipalities)
		slices.Sort(munis)
		parts = append(parts, "municipalities="+strings.Join(munis, ","))
	}
	if q.ZipCode > 0 {
		parts = append(parts, "zip="+strconv.Itoa(q.ZipCode))
	}
	if q.Status != StatusAny {
		parts = append(parts, "status="+string(q.Status))
	}

	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, ":")
}

func (q Query) String() string {
	return q.Canonical()
}

// Values renders q as upstream search parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	if len(q.Municipalities) > 0 {
		v.Set("municipalities", strings.Join(q.Municipalities, ","))
	}
	if q.ZipCode > 0 {
		v.Set("zipCodes", strconv.Itoa(q.ZipCode))
	}
	if len(q.AddressTypes) > 0 {
		v.Set("addressTypes", strings.Join(q.AddressTypes, ","))
	}
	switch q.Status {
	case StatusOnMarket:
		v.Set("isOnMarket", "true")
	case StatusListed:
		v.Set("hasCases", "true")
	}
	return v
}

// Item is one unit of ingestion work. Items are immutable once planned.
type Item struct {
	ID       string `json:"id"`
	Seq      int    `json:"seq"`
	Query    Query  `json:"query"`
	Estimate int    `json:"estimate"`
}

// NewItem builds the item for q at position seq of a plan.
func NewItem(seq int, q Query, estimate int) Item {
	return Item{
		ID:       ID(q),
		Seq:      seq,
		Query:    q,
		Estimate: estimate,
	}
}

// ID derives a stable identifier from the canonical query.
func ID(q Query) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(q.Canonical()))
}

// Scope is a short human-readable label for reports.
func (it Item) Scope() string {
	return it.Query.Canonical()
}
