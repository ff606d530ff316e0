package boundary

import (
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
)

func testSet(t *testing.T) *Set {
	t.Helper()
	s, err := New([]Municipality{
		{Code: 157, Name: "Gentofte", Lat: 55.75, Lon: 12.55, ZipCodes: []int{2920, 2820, 2900, 2820}},
		{Code: 101, Name: "København", Lat: 55.6761, Lon: 12.5683, ZipCodes: []int{2100, 1050}},
		{Code: 751, Name: "Aarhus", Lat: 56.1567, Lon: 10.2108, ZipCodes: []int{8000}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNew_OrderAndZipNormalisation(t *testing.T) {
	s := testSet(t)

	got := strings.Join(s.Names(), ",")
	if got != "Aarhus,Gentofte,København" {
		t.Errorf("Names() = %s, want Aarhus,Gentofte,København", got)
	}

	zips, ok := s.ZipCodes("gentofte")
	if !ok {
		t.Fatal("ZipCodes(gentofte) not found")
	}
	want := []int{2820, 2900, 2920}
	if len(zips) != len(want) {
		t.Fatalf("ZipCodes() = %v, want %v", zips, want)
	}
	for i := range want {
		if zips[i] != want[i] {
			t.Errorf("ZipCodes()[%d] = %d, want %d", i, zips[i], want[i])
		}
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		ms   []Municipality
	}{
		{"empty", nil},
		{"blank name", []Municipality{{Name: " "}}},
		{"duplicate", []Municipality{{Name: "Herlev"}, {Name: "herlev"}}},
		{"bad zip", []Municipality{{Name: "Herlev", ZipCodes: []int{0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.ms); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestDistance(t *testing.T) {
	if d := Distance(Copenhagen, Copenhagen); d != 0 {
		t.Errorf("Distance(same) = %v, want 0", d)
	}

	// Copenhagen to Aarhus is roughly 157 km as the crow flies.
	d := Distance(Copenhagen, Point{Lat: 56.1567, Lon: 10.2108})
	if math.Abs(d-157) > 3 {
		t.Errorf("Distance(Copenhagen, Aarhus) = %.1f, want ~157", d)
	}
}

func TestWithinRadius(t *testing.T) {
	s := testSet(t)

	near, err := s.WithinRadius(Copenhagen, 60)
	if err != nil {
		t.Fatalf("WithinRadius() error = %v", err)
	}
	if got := strings.Join(near.Names(), ","); got != "Gentofte,København" {
		t.Errorf("WithinRadius(60) = %s, want Gentofte,København", got)
	}

	if _, err := s.WithinRadius(Point{Lat: 0, Lon: 0}, 10); !errors.Is(err, ErrEmptySet) {
		t.Errorf("WithinRadius(nowhere) error = %v, want ErrEmptySet", err)
	}
}

func TestRestrict(t *testing.T) {
	s := testSet(t)

	r, err := s.Restrict([]string{"København"})
	if err != nil {
		t.Fatalf("Restrict() error = %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	same, err := s.Restrict(nil)
	if err != nil || same.Len() != 3 {
		t.Errorf("Restrict(nil) = %d, %v; want 3, nil", same.Len(), err)
	}

	if _, err := s.Restrict([]string{"Atlantis"}); !errors.Is(err, ErrUnknownMunicipality) {
		t.Errorf("Restrict(unknown) error = %v, want ErrUnknownMunicipality", err)
	}
}

func TestLoadYAML(t *testing.T) {
	doc := `
municipalities:
  - code: 157
    name: Gentofte
    lat: 55.75
    lon: 12.55
    zip_codes: [2820, 2900]
  - code: 161
    name: Glostrup
    lat: 55.66
    lon: 12.40
    zip_codes: [2600]
`
	s, err := LoadYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadYAML() error = %v", err)
	}
	m, ok := s.Lookup("Glostrup")
	if !ok {
		t.Fatal("Glostrup missing")
	}
	if m.Code != 161 || len(m.ZipCodes) != 1 || m.ZipCodes[0] != 2600 {
		t.Errorf("Glostrup = %+v", m)
	}

	if _, err := LoadYAML(strings.NewReader("municipalities:\n  - nme: typo\n")); err == nil {
		t.Error("LoadYAML() accepted unknown field")
	}
}

func square(lat, lon, size float64) *shp.Polygon {
	line := shp.NewPolyLine([][]shp.Point{{
		{X: lon, Y: lat},
		{X: lon + size, Y: lat},
		{X: lon + size, Y: lat + size},
		{X: lon, Y: lat + size},
		{X: lon, Y: lat},
	}})
	p := shp.Polygon(*line)
	return &p
}

func TestLoadShapefile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postal.shp")

	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		t.Fatalf("shp.Create() error = %v", err)
	}
	if err := w.SetFields([]shp.Field{
		shp.StringField("POSTNR", 4),
		shp.StringField("KOMKODE", 4),
		shp.StringField("KOMNAVN", 32),
	}); err != nil {
		t.Fatalf("SetFields() error = %v", err)
	}

	rows := []struct {
		zip, code, name string
		lat, lon        float64
	}{
		{"2820", "157", "Gentofte", 55.74, 12.50},
		{"2900", "157", "Gentofte", 55.72, 12.56},
		{"2600", "161", "Glostrup", 55.66, 12.39},
	}
	for _, row := range rows {
		n := int(w.Write(square(row.lat, row.lon, 0.02)))
		_ = w.WriteAttribute(n, 0, row.zip)
		_ = w.WriteAttribute(n, 1, row.code)
		_ = w.WriteAttribute(n, 2, row.name)
	}
	w.Close()

	s, err := LoadShapefile(path, DefaultShapefileFields)
	if err != nil {
		t.Fatalf("LoadShapefile() error = %v", err)
	}

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	g, ok := s.Lookup("Gentofte")
	if !ok {
		t.Fatal("Gentofte missing")
	}
	if g.Code != 157 {
		t.Errorf("Code = %d, want 157", g.Code)
	}
	if len(g.ZipCodes) != 2 || g.ZipCodes[0] != 2820 || g.ZipCodes[1] != 2900 {
		t.Errorf("ZipCodes = %v, want [2820 2900]", g.ZipCodes)
	}
	if math.Abs(g.Lat-55.74) > 1e-9 || math.Abs(g.Lon-12.54) > 1e-9 {
		t.Errorf("centroid = %.4f,%.4f, want 55.7400,12.5400", g.Lat, g.Lon)
	}

	if _, err := LoadShapefile(path, ShapefileFields{Zip: "ZIP", MunicipalityCode: "KOMKODE", MunicipalityName: "KOMNAVN"}); err == nil {
		t.Error("LoadShapefile() with missing column should fail")
	}
}

func TestLoadYAMLFile_Bundled(t *testing.T) {
	set, err := LoadYAMLFile("../../configs/boundaries.yaml")
	if err != nil {
		t.Fatalf("LoadYAMLFile() error = %v", err)
	}
	near, err := set.WithinRadius(Copenhagen, 60)
	if err != nil {
		t.Fatalf("WithinRadius() error = %v", err)
	}
	if _, ok := near.Lookup("Aalborg"); ok {
		t.Error("Aalborg is inside the 60 km radius")
	}
	if zips, ok := near.ZipCodes("gentofte"); !ok || len(zips) == 0 {
		t.Errorf("ZipCodes(gentofte) = %v, %v", zips, ok)
	}
}
