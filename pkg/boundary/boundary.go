// Package boundary holds the municipality and zip code reference data that
// bounds every run. The data is loaded once and read-only afterwards.
package boundary

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// EarthRadiusKM is the mean Earth radius used for great-circle distances.
const EarthRadiusKM = 6371.0

var (
	// ErrUnknownMunicipality is returned when a scope names a municipality
	// the reference data does not contain.
	ErrUnknownMunicipality = errors.New("unknown municipality")

	// ErrEmptySet is returned when reference data yields no municipalities.
	ErrEmptySet = errors.New("no municipalities")
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// Copenhagen is Copenhagen City Hall, the default scope center.
var Copenhagen = Point{Lat: 55.6761, Lon: 12.5683}

// Municipality is one partition level above zip codes.
type Municipality struct {
	Code     int     `yaml:"code"`
	Name     string  `yaml:"name"`
	Lat      float64 `yaml:"lat"`
	Lon      float64 `yaml:"lon"`
	ZipCodes []int   `yaml:"zip_codes"`
}

// Center returns the municipality centroid.
func (m Municipality) Center() Point {
	return Point{Lat: m.Lat, Lon: m.Lon}
}

// Set is an immutable, name-ordered collection of municipalities.
type Set struct {
	municipalities []Municipality
	byName         map[string]int
}

// New validates ms and returns them as a Set ordered by name. Zip codes are
// sorted and deduplicated.
func New(ms []Municipality) (*Set, error) {
	if len(ms) == 0 {
		return nil, ErrEmptySet
	}

	sorted := make([]Municipality, 0, len(ms))
	for _, m := range ms {
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			return nil, fmt.Errorf("municipality %d: name is required", m.Code)
		}
		zips := slices.Clone(m.ZipCodes)
		slices.Sort(zips)
		m.ZipCodes = slices.Compact(zips)
		for _, z := range m.ZipCodes {
			if z <= 0 {
				return nil, fmt.Errorf("municipality %s: invalid zip code %d", m.Name, z)
			}
		}
		sorted = append(sorted, m)
	}
	slices.SortFunc(sorted, func(a, b Municipality) int {
		return strings.Compare(a.Name, b.Name)
	})

	byName := make(map[string]int, len(sorted))
	for i, m := range sorted {
		key := strings.ToLower(m.Name)
		if _, dup := byName[key]; dup {
			return nil, fmt.Errorf("duplicate municipality %q", m.Name)
		}
		byName[key] = i
	}

	return &Set{municipalities: sorted, byName: byName}, nil
}

// Len returns the number of municipalities.
func (s *Set) Len() int {
	return len(s.municipalities)
}

// Municipalities returns a copy of the ordered municipalities.
func (s *Set) Municipalities() []Municipality {
	out := make([]Municipality, len(s.municipalities))
	for i, m := range s.municipalities {
		m.ZipCodes = slices.Clone(m.ZipCodes)
		out[i] = m
	}
	return out
}

// Names returns municipality names in set order.
func (s *Set) Names() []string {
	names := make([]string, len(s.municipalities))
	for i, m := range s.municipalities {
		names[i] = m.Name
	}
	return names
}

// Lookup finds a municipality by name, ignoring case.
func (s *Set) Lookup(name string) (Municipality, bool) {
	i, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Municipality{}, false
	}
	return s.municipalities[i], true
}

// ZipCodes returns the zip codes of a municipality in ascending order.
func (s *Set) ZipCodes(name string) ([]int, bool) {
	m, ok := s.Lookup(name)
	if !ok {
		return nil, false
	}
	return slices.Clone(m.ZipCodes), true
}

// Restrict keeps only the named municipalities. Every name must exist.
func (s *Set) Restrict(names []string) (*Set, error) {
	if len(names) == 0 {
		return s, nil
	}
	keep := make([]Municipality, 0, len(names))
	for _, name := range names {
		m, ok := s.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMunicipality, name)
		}
		keep = append(keep, m)
	}
	return New(keep)
}

// WithinRadius keeps municipalities whose centroid lies within km of center.
func (s *Set) WithinRadius(center Point, km float64) (*Set, error) {
	keep := make([]Municipality, 0, len(s.municipalities))
	for _, m := range s.municipalities {
		if Distance(center, m.Center()) <= km {
			keep = append(keep, m)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("%w within %.1f km of %.4f,%.4f", ErrEmptySet, km, center.Lat, center.Lon)
	}
	return New(keep)
}

// Distance is the haversine great-circle distance in kilometres.
func Distance(a, b Point) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKM * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
