// Package model defines the normalized property graph written by the
// upsert engine and the run records written by the orchestrator.
package model

import (
	"time"
)

// CaseStatus is the listing state reported upstream. Values outside the
// known set are stored as received.
type CaseStatus string

const (
	CaseOpen      CaseStatus = "open"
	CaseSold      CaseStatus = "sold"
	CaseWithdrawn CaseStatus = "withdrawn"
	CaseClosed    CaseStatus = "closed"
)

// IsOpen reports whether the case is still listed.
func (s CaseStatus) IsOpen() bool {
	return s == CaseOpen
}

// Property is the root entity, keyed by AddressID.
type Property struct {
	AddressID   string  `json:"address_id"`
	Address     string  `json:"address"`
	AddressType string  `json:"address_type"`
	RoadName    string  `json:"road_name"`
	HouseNumber string  `json:"house_number"`
	Door        string  `json:"door"`
	Floor       string  `json:"floor"`
	CityName    string  `json:"city_name"`
	ZipCode     int     `json:"zip_code"`
	PlaceName   string  `json:"place_name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`

	LivingArea      float64 `json:"living_area"`
	WeightedArea    float64 `json:"weighted_area"`
	LatestValuation float64 `json:"latest_valuation"`
	IsOnMarket      bool    `json:"is_on_market"`
	EnergyLabel     string  `json:"energy_label"`

	MunicipalityCode     int     `json:"municipality_code"`
	MunicipalityName     string  `json:"municipality_name"`
	ChurchTaxPct         float64 `json:"church_tax_pct"`
	CouncilTaxPct        float64 `json:"council_tax_pct"`
	LandValueTaxPerMille float64 `json:"land_value_tax_per_mille"`

	// Bookkeeping, excluded from the content hash.
	ContentHash string    `json:"-"`
	FirstSeenAt time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
	LastSeenAt  time.Time `json:"-"`
}

// Building is one building on a property. Position 0 is the main building.
type Building struct {
	Position      int     `json:"position"`
	Name          string  `json:"name"`
	Number        string  `json:"number"`
	YearBuilt     int     `json:"year_built"`
	YearRenovated int     `json:"year_renovated"`
	HousingArea   float64 `json:"housing_area"`
	TotalArea     float64 `json:"total_area"`
	BasementArea  float64 `json:"basement_area"`
	Rooms         int     `json:"rooms"`
	Floors        int     `json:"floors"`
	Bathrooms     int     `json:"bathrooms"`
	Toilets       int     `json:"toilets"`
	WallMaterial  string  `json:"wall_material"`
	RoofMaterial  string  `json:"roof_material"`
	Heating       string  `json:"heating"`
}

// IsMain reports whether b is the main building.
func (b Building) IsMain() bool {
	return b.Position == 0
}

// Registration is a historical sale.
type Registration struct {
	RegistrationID string     `json:"registration_id"`
	Amount         float64    `json:"amount"`
	Date           *time.Time `json:"date"`
	Type           string     `json:"type"`
	Area           float64    `json:"area"`
	PerAreaPrice   float64    `json:"per_area_price"`
}

// ListingCase is one time a property was put on the market.
type ListingCase struct {
	CaseID            string     `json:"case_id"`
	Status            CaseStatus `json:"status"`
	Price             float64    `json:"price"`
	OriginalPrice     float64    `json:"original_price"`
	PerAreaPrice      float64    `json:"per_area_price"`
	MonthlyExpense    float64    `json:"monthly_expense"`
	CreatedAt         *time.Time `json:"created_at"`
	ModifiedAt        *time.Time `json:"modified_at"`
	SoldAt            *time.Time `json:"sold_at"`
	DaysOnMarket      int        `json:"days_on_market"`
	DaysOnMarketTotal int        `json:"days_on_market_total"`
	LotArea           float64    `json:"lot_area"`
	Title             string     `json:"title"`
	URL               string     `json:"url"`

	PriceChanges []PriceChange `json:"price_changes"`
	Images       []CaseImage   `json:"images"`

	// ClosedAt is set by the store the first time a non-open status is seen.
	ClosedAt *time.Time `json:"-"`
}

// PriceChange is append-only; (case, ChangedAt, NewPrice) is unique.
type PriceChange struct {
	ChangedAt time.Time `json:"changed_at"`
	OldPrice  float64   `json:"old_price"`
	NewPrice  float64   `json:"new_price"`
}

// CaseImage holds the two rendition urls the pipeline keeps.
type CaseImage struct {
	Position int    `json:"position"`
	URL600   string `json:"url_600x400"`
	URL1440  string `json:"url_1440x960"`
}

// Graph is everything one upstream record normalizes into.
type Graph struct {
	Property      Property       `json:"property"`
	Buildings     []Building     `json:"buildings"`
	Registrations []Registration `json:"registrations"`
	Cases         []ListingCase  `json:"cases"`
}

// Key returns the natural key of the graph.
func (g *Graph) Key() string {
	return g.Property.AddressID
}
