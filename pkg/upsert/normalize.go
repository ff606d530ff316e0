package upsert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/estate-sync/pkg/model"
)

var (
	// ErrMissingRequired marks a record without a natural key or without
	// any location (neither zip code nor municipality).
	ErrMissingRequired = errors.New("missing required field")

	// ErrInvalidRecord marks a record that is not a JSON object.
	ErrInvalidRecord = errors.New("invalid record")
)

type rawCoordinates struct {
	Lat flexFloat `json:"lat"`
	Lon flexFloat `json:"lon"`
}

type rawMunicipality struct {
	Code                 flexInt    `json:"municipalityCode"`
	Name                 flexString `json:"name"`
	ChurchTaxPct         flexFloat  `json:"churchTaxPercentage"`
	CouncilTaxPct        flexFloat  `json:"councilTaxPercentage"`
	LandValueTaxPerMille flexFloat  `json:"landValueTaxLevelPerThousand"`
}

type rawBuilding struct {
	Name          flexString `json:"buildingName"`
	Number        flexString `json:"buildingNumber"`
	YearBuilt     flexInt    `json:"yearBuilt"`
	YearRenovated flexInt    `json:"yearRenovated"`
	HousingArea   flexFloat  `json:"housingArea"`
	TotalArea     flexFloat  `json:"totalArea"`
	BasementArea  flexFloat  `json:"basementArea"`
	Rooms         flexInt    `json:"numberOfRooms"`
	Floors        flexInt    `json:"numberOfFloors"`
	Bathrooms     flexInt    `json:"numberOfBathrooms"`
	Toilets       flexInt    `json:"numberOfToilets"`
	WallMaterial  flexString `json:"externalWallMaterial"`
	RoofMaterial  flexString `json:"roofingMaterial"`
	Heating       flexString `json:"heatingInstallation"`
}

type rawRegistration struct {
	ID           flexString `json:"registrationID"`
	Amount       flexFloat  `json:"amount"`
	Date         flexString `json:"date"`
	Type         flexString `json:"type"`
	Area         flexFloat  `json:"area"`
	PerAreaPrice flexFloat  `json:"perAreaPrice"`
}

type rawDays struct {
	Days flexInt `json:"days"`
}

type rawTimeOnMarket struct {
	Current flexObject[rawDays] `json:"current"`
	Total   flexObject[rawDays] `json:"total"`
}

type rawPriceChange struct {
	Created  flexString `json:"created"`
	OldPrice flexFloat  `json:"oldPrice"`
	NewPrice flexFloat  `json:"newPrice"`
}

type rawImageSize struct {
	Width  flexInt `json:"width"`
	Height flexInt `json:"height"`
}

type rawImageSource struct {
	URL  flexString               `json:"url"`
	Size flexObject[rawImageSize] `json:"size"`
}

type rawImage struct {
	Sources flexList[rawImageSource] `json:"imageSources"`
}

type rawCase struct {
	CaseID         flexString                  `json:"caseID"`
	Status         flexString                  `json:"status"`
	PriceCash      flexFloat                   `json:"priceCash"`
	OriginalPrice  flexFloat                   `json:"originalPrice"`
	PerAreaPrice   flexFloat                   `json:"perAreaPrice"`
	MonthlyExpense flexFloat                   `json:"monthlyExpense"`
	Created        flexString                  `json:"created"`
	Modified       flexString                  `json:"modified"`
	Sold           flexString                  `json:"sold"`
	TimeOnMarket   flexObject[rawTimeOnMarket] `json:"timeOnMarket"`
	LotArea        flexFloat                   `json:"lotArea"`
	Title          flexString                  `json:"descriptionTitle"`
	URL            flexString                  `json:"caseUrl"`
	PriceChanges   flexList[rawPriceChange]    `json:"priceChanges"`
	Images         flexList[rawImage]          `json:"images"`
}

// rawAddress decodes every field leniently. Only the natural key and the
// location decide whether a record is usable.
type rawAddress struct {
	AddressID       flexString                  `json:"addressID"`
	AddressType     flexString                  `json:"addressType"`
	RoadName        flexString                  `json:"roadName"`
	HouseNumber     flexString                  `json:"houseNumber"`
	Door            flexString                  `json:"door"`
	Floor           flexString                  `json:"floor"`
	CityName        flexString                  `json:"cityName"`
	ZipCode         flexInt                     `json:"zipCode"`
	PlaceName       flexString                  `json:"placeName"`
	Coordinates     flexObject[rawCoordinates]  `json:"coordinates"`
	LivingArea      flexFloat                   `json:"livingArea"`
	WeightedArea    flexFloat                   `json:"weightedArea"`
	LatestValuation flexFloat                   `json:"latestValuation"`
	IsOnMarket      flexBool                    `json:"isOnMarket"`
	EnergyLabel     flexString                  `json:"energyLabel"`
	Municipality    flexObject[rawMunicipality] `json:"municipality"`
	Buildings       flexList[rawBuilding]       `json:"buildings"`
	Registrations   flexList[rawRegistration]   `json:"registrations"`
	Cases           flexList[rawCase]           `json:"cases"`
}

// Key extracts the natural key of a raw record without normalizing it.
func Key(raw json.RawMessage) (string, error) {
	var r struct {
		AddressID flexString `json:"addressID"`
	}
	if err := decodeObject(raw, &r); err != nil {
		return "", err
	}
	id := r.AddressID.String()
	if id == "" {
		return "", fmt.Errorf("%w: addressID", ErrMissingRequired)
	}
	return id, nil
}

// decodeObject fails only when raw is not a JSON object.
func decodeObject(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return fmt.Errorf("%w: not a JSON object", ErrInvalidRecord)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return nil
}

// Normalize decodes an upstream address record into a graph. Absent
// optional fields and optional fields of an unexpected type become zero
// values.
func Normalize(raw json.RawMessage) (*model.Graph, error) {
	var r rawAddress
	if err := decodeObject(raw, &r); err != nil {
		return nil, err
	}

	id := r.AddressID.String()
	if id == "" {
		return nil, fmt.Errorf("%w: addressID", ErrMissingRequired)
	}
	muni := r.Municipality.V
	if r.ZipCode <= 0 && muni.Name.String() == "" {
		return nil, fmt.Errorf("%w: record %s has neither zipCode nor municipality", ErrMissingRequired, id)
	}

	g := &model.Graph{
		Property: model.Property{
			AddressID:            id,
			AddressType:          string(r.AddressType),
			RoadName:             string(r.RoadName),
			HouseNumber:          string(r.HouseNumber),
			Door:                 string(r.Door),
			Floor:                string(r.Floor),
			CityName:             string(r.CityName),
			ZipCode:              int(r.ZipCode),
			PlaceName:            string(r.PlaceName),
			LivingArea:           float64(r.LivingArea),
			WeightedArea:         float64(r.WeightedArea),
			LatestValuation:      float64(r.LatestValuation),
			IsOnMarket:           bool(r.IsOnMarket),
			EnergyLabel:          strings.ToUpper(r.EnergyLabel.String()),
			MunicipalityCode:     int(muni.Code),
			MunicipalityName:     muni.Name.String(),
			ChurchTaxPct:         float64(muni.ChurchTaxPct),
			CouncilTaxPct:        float64(muni.CouncilTaxPct),
			LandValueTaxPerMille: float64(muni.LandValueTaxPerMille),
		},
	}
	if r.Coordinates.OK {
		g.Property.Latitude = float64(r.Coordinates.V.Lat)
		g.Property.Longitude = float64(r.Coordinates.V.Lon)
	}
	g.Property.Address = formatAddress(r)

	for i, b := range r.Buildings {
		g.Buildings = append(g.Buildings, model.Building{
			Position:      i,
			Name:          string(b.Name),
			Number:        string(b.Number),
			YearBuilt:     int(b.YearBuilt),
			YearRenovated: int(b.YearRenovated),
			HousingArea:   float64(b.HousingArea),
			TotalArea:     float64(b.TotalArea),
			BasementArea:  float64(b.BasementArea),
			Rooms:         int(b.Rooms),
			Floors:        int(b.Floors),
			Bathrooms:     int(b.Bathrooms),
			Toilets:       int(b.Toilets),
			WallMaterial:  string(b.WallMaterial),
			RoofMaterial:  string(b.RoofMaterial),
			Heating:       string(b.Heating),
		})
	}

	for _, reg := range r.Registrations {
		if reg.ID.String() == "" {
			continue
		}
		g.Registrations = append(g.Registrations, model.Registration{
			RegistrationID: reg.ID.String(),
			Amount:         float64(reg.Amount),
			Date:           parseTime(string(reg.Date)),
			Type:           string(reg.Type),
			Area:           float64(reg.Area),
			PerAreaPrice:   float64(reg.PerAreaPrice),
		})
	}

	for _, c := range r.Cases {
		if c.CaseID.String() == "" {
			continue
		}
		g.Cases = append(g.Cases, normalizeCase(c))
	}

	return g, nil
}

func normalizeCase(c rawCase) model.ListingCase {
	lc := model.ListingCase{
		CaseID:            c.CaseID.String(),
		Status:            model.CaseStatus(strings.ToLower(c.Status.String())),
		Price:             float64(c.PriceCash),
		OriginalPrice:     float64(c.OriginalPrice),
		PerAreaPrice:      float64(c.PerAreaPrice),
		MonthlyExpense:    float64(c.MonthlyExpense),
		CreatedAt:         parseTime(string(c.Created)),
		ModifiedAt:        parseTime(string(c.Modified)),
		SoldAt:            parseTime(string(c.Sold)),
		DaysOnMarket:      int(c.TimeOnMarket.V.Current.V.Days),
		DaysOnMarketTotal: int(c.TimeOnMarket.V.Total.V.Days),
		LotArea:           float64(c.LotArea),
		Title:             string(c.Title),
		URL:               string(c.URL),
	}

	for _, pc := range c.PriceChanges {
		at := parseTime(string(pc.Created))
		if at == nil {
			continue
		}
		lc.PriceChanges = append(lc.PriceChanges, model.PriceChange{
			ChangedAt: *at,
			OldPrice:  float64(pc.OldPrice),
			NewPrice:  float64(pc.NewPrice),
		})
	}

	for i, img := range c.Images {
		ci := model.CaseImage{Position: i}
		for _, src := range img.Sources {
			switch src.Size.V.Width {
			case 600:
				ci.URL600 = string(src.URL)
			case 1440:
				ci.URL1440 = string(src.URL)
			}
		}
		if ci.URL600 == "" && ci.URL1440 == "" {
			continue
		}
		lc.Images = append(lc.Images, ci)
	}
	return lc
}

func formatAddress(r rawAddress) string {
	var parts []string
	street := strings.TrimSpace(string(r.RoadName) + " " + string(r.HouseNumber))
	if floor := strings.TrimSpace(r.Floor.String() + " " + r.Door.String()); floor != "" {
		street += ", " + floor
	}
	if street != "" {
		parts = append(parts, street)
	}
	if r.ZipCode > 0 {
		parts = append(parts, strings.TrimSpace(strconv.Itoa(int(r.ZipCode))+" "+string(r.CityName)))
	}
	return strings.Join(parts, ", ")
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime returns nil for empty or unparseable values.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// MergeRecords overlays the top-level fields of detail onto search. Null
// detail fields do not override.
func MergeRecords(search, detail json.RawMessage) (json.RawMessage, error) {
	var base, over map[string]json.RawMessage
	if err := json.Unmarshal(search, &base); err != nil {
		return nil, fmt.Errorf("%w: search record: %w", ErrInvalidRecord, err)
	}
	if err := json.Unmarshal(detail, &over); err != nil {
		return nil, fmt.Errorf("%w: detail record: %w", ErrInvalidRecord, err)
	}
	if base == nil {
		base = make(map[string]json.RawMessage, len(over))
	}
	for k, v := range over {
		if string(v) == "null" {
			continue
		}
		base[k] = v
	}
	return json.Marshal(base)
}
