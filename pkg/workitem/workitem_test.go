package workitem

import (
	"testing"
)

func TestQuery_Level(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		want Level
	}{
		{"empty", Query{}, LevelArea},
		{"several municipalities", Query{Municipalities: []string{"Gentofte", "Gladsaxe"}}, LevelArea},
		{"one municipality", Query{Municipalities: []string{"Gentofte"}}, LevelMunicipality},
		{"zip", Query{Municipalities: []string{"Gentofte"}, ZipCode: 2900}, LevelZip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Level(); got != tt.want {
				t.Errorf("Level() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuery_CanonicalIsOrderIndependent(t *testing.T) {
	a := Query{Municipalities: []string{"Lyngby-Taarbæk", "Gentofte"}, AddressTypes: []string{"villa", "terraced"}}
	b := Query{Municipalities: []string{"Gentofte", "Lyngby-Taarbæk"}, AddressTypes: []string{"terraced", "villa"}}

	if a.Canonical() != b.Canonical() {
		t.Errorf("Canonical differs: %q vs %q", a.Canonical(), b.Canonical())
	}
	if ID(a) != ID(b) {
		t.Errorf("ID differs for equivalent queries")
	}
}

func TestQuery_Canonical(t *testing.T) {
	q := Query{
		Municipalities: []string{"Gentofte"},
		ZipCode:        2900,
		AddressTypes:   []string{"villa"},
		Status:         StatusOnMarket,
	}

	want := "types=villa:municipalities=Gentofte:zip=2900:status=on_market"
	if got := q.Canonical(); got != want {
		t.Errorf("Canonical() = %q, want %q", got, want)
	}
	if got := (Query{}).Canonical(); got != "all" {
		t.Errorf("empty Canonical() = %q, want all", got)
	}
}

func TestQuery_NarrowingDoesNotAlias(t *testing.T) {
	parent := Query{Municipalities: []string{"Gentofte", "Gladsaxe"}, AddressTypes: []string{"villa"}}

	child := parent.ForMunicipality("Gladsaxe").ForZip(2860)
	child.AddressTypes[0] = "condo"

	if parent.AddressTypes[0] != "villa" {
		t.Errorf("parent AddressTypes mutated: %v", parent.AddressTypes)
	}
	if len(parent.Municipalities) != 2 {
		t.Errorf("parent Municipalities mutated: %v", parent.Municipalities)
	}
	if child.Level() != LevelZip {
		t.Errorf("child Level() = %v, want zip", child.Level())
	}
}

func TestQuery_Values(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		key  string
		want string
	}{
		{"on market", Query{Status: StatusOnMarket}, "isOnMarket", "true"},
		{"listed", Query{Status: StatusListed}, "hasCases", "true"},
		{"zip", Query{ZipCode: 2800}, "zipCodes", "2800"},
		{"municipalities", Query{Municipalities: []string{"A", "B"}}, "municipalities", "A,B"},
		{"types", Query{AddressTypes: []string{"villa"}}, "addressTypes", "villa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Values().Get(tt.key); got != tt.want {
				t.Errorf("Values().Get(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestNewItem(t *testing.T) {
	q := Query{Municipalities: []string{"Gentofte"}, ZipCode: 2820}
	it := NewItem(3, q, 1200)

	if it.ID != ID(q) || len(it.ID) != 16 {
		t.Errorf("ID = %q", it.ID)
	}
	if it.Seq != 3 || it.Estimate != 1200 {
		t.Errorf("item = %+v", it)
	}
	if it.Scope() != q.Canonical() {
		t.Errorf("Scope() = %q", it.Scope())
	}
}
