package client

import (
	"errors"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	c, err := decodeToken(encodeToken(cursor{Page: 7, Empty: 2}))
	if err != nil {
		t.Fatalf("decodeToken() error = %v", err)
	}
	if c.Page != 7 || c.Empty != 2 {
		t.Errorf("cursor = %+v, want page 7 empty 2", c)
	}

	c, err = decodeToken("")
	if err != nil || c.Page != 1 {
		t.Errorf("decodeToken(\"\") = %+v, %v; want page 1", c, err)
	}

	for _, bad := range []string{"!!", encodeToken(cursor{Page: 0})} {
		if _, err := decodeToken(bad); !errors.Is(err, ErrInvalidPageToken) {
			t.Errorf("decodeToken(%q) error = %v, want ErrInvalidPageToken", bad, err)
		}
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name     string
		cur      cursor
		perPage  int
		ceiling  int
		total    int
		got      int
		wantDone bool
		wantPage int
	}{
		{"more pages", cursor{Page: 1}, 50, 10000, 120, 50, false, 2},
		{"last page", cursor{Page: 3}, 50, 10000, 120, 20, true, 0},
		{"exact fit", cursor{Page: 2}, 50, 10000, 100, 50, true, 0},
		{"ceiling reached", cursor{Page: 200}, 50, 10000, 25000, 50, true, 0},
		{"third empty page", cursor{Page: 5, Empty: 2}, 50, 10000, 5000, 0, true, 0},
		{"second empty page", cursor{Page: 5, Empty: 1}, 50, 10000, 5000, 0, false, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := next(tt.cur, tt.perPage, tt.ceiling, tt.total, tt.got)
			if tt.wantDone {
				if tok != "" {
					t.Errorf("next() = %q, want done", tok)
				}
				return
			}
			c, err := decodeToken(tok)
			if err != nil {
				t.Fatalf("decodeToken() error = %v", err)
			}
			if c.Page != tt.wantPage {
				t.Errorf("next page = %d, want %d", c.Page, tt.wantPage)
			}
		})
	}
}

func TestErrorClass_Transient(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ErrorClassServer, true},
		{ErrorClassRateLimit, true},
		{ErrorClassNetwork, true},
		{ErrorClassClient, false},
		{ErrorClassParse, false},
	}
	for _, tt := range tests {
		if got := tt.class.Transient(); got != tt.want {
			t.Errorf("%s.Transient() = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestFetchError_Error(t *testing.T) {
	err := &FetchError{Class: ErrorClassServer, StatusCode: 503, Endpoint: "search", Err: errors.New("503 Service Unavailable")}
	want := "fetch search: server error (status 503): 503 Service Unavailable"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
