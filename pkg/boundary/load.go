package boundary

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a boundary file.
type File struct {
	Municipalities []Municipality `yaml:"municipalities"`
}

// LoadYAML decodes a boundary file.
func LoadYAML(r io.Reader) (*Set, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode boundary yaml: %w", err)
	}
	return New(f.Municipalities)
}

// LoadYAMLFile opens path and decodes it with LoadYAML.
func LoadYAMLFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadYAML(f)
}

// ShapefileFields names the attribute columns of a postal code shapefile.
type ShapefileFields struct {
	Zip              string
	MunicipalityCode string
	MunicipalityName string
}

// DefaultShapefileFields matches the Danish DAGI postal code layer.
var DefaultShapefileFields = ShapefileFields{
	Zip:              "POSTNR",
	MunicipalityCode: "KOMKODE",
	MunicipalityName: "KOMNAVN",
}

type accumulator struct {
	code     int
	latSum   float64
	lonSum   float64
	polygons int
	zips     []int
}

// LoadShapefile builds a Set from a polygon shapefile with one record per
// zip code area. A municipality's centroid is the mean of its zip area
// bounding-box centers.
func LoadShapefile(path string, fields ShapefileFields) (*Set, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile: %w", err)
	}
	defer r.Close()

	columns := make(map[string]int)
	for i, f := range r.Fields() {
		columns[strings.ToUpper(strings.TrimSpace(f.String()))] = i
	}
	col := func(name string) (int, error) {
		i, ok := columns[strings.ToUpper(name)]
		if !ok {
			return 0, fmt.Errorf("shapefile %s: missing attribute %s", path, name)
		}
		return i, nil
	}
	zipCol, err := col(fields.Zip)
	if err != nil {
		return nil, err
	}
	codeCol, err := col(fields.MunicipalityCode)
	if err != nil {
		return nil, err
	}
	nameCol, err := col(fields.MunicipalityName)
	if err != nil {
		return nil, err
	}

	acc := make(map[string]*accumulator)
	var order []string
	for r.Next() {
		idx, shape := r.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			continue
		}

		name := strings.TrimSpace(r.ReadAttribute(idx, nameCol))
		if name == "" {
			continue
		}
		zip, err := strconv.Atoi(strings.TrimSpace(r.ReadAttribute(idx, zipCol)))
		if err != nil {
			return nil, fmt.Errorf("shapefile record %d: zip code: %w", idx, err)
		}
		code, _ := strconv.Atoi(strings.TrimSpace(r.ReadAttribute(idx, codeCol)))

		a, seen := acc[name]
		if !seen {
			a = &accumulator{code: code}
			acc[name] = a
			order = append(order, name)
		}
		lat, lon := boxCenter(poly.Points)
		a.latSum += lat
		a.lonSum += lon
		a.polygons++
		a.zips = append(a.zips, zip)
	}

	ms := make([]Municipality, 0, len(order))
	for _, name := range order {
		a := acc[name]
		ms = append(ms, Municipality{
			Code:     a.code,
			Name:     name,
			Lat:      a.latSum / float64(a.polygons),
			Lon:      a.lonSum / float64(a.polygons),
			ZipCodes: a.zips,
		})
	}
	return New(ms)
}

func boxCenter(points []shp.Point) (lat, lon float64) {
	minLat, minLon := math.MaxFloat64, math.MaxFloat64
	maxLat, maxLon := -math.MaxFloat64, -math.MaxFloat64
	for _, pt := range points {
		minLat = math.Min(minLat, pt.Y)
		maxLat = math.Max(maxLat, pt.Y)
		minLon = math.Min(minLon, pt.X)
		maxLon = math.Max(maxLon, pt.X)
	}
	return (minLat + maxLat) / 2, (minLon + maxLon) / 2
}
