package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// maxEmptyPages ends pagination after this many consecutive empty pages.
const maxEmptyPages = 3

// Page is one page of search results.
type Page struct {
	// Records are the raw address objects, in upstream order.
	Records []json.RawMessage
	// TotalHits is the upstream count for the whole query.
	TotalHits int
	// NextToken is empty when there are no more pages.
	NextToken string
}

// cursor is the state hidden inside a page token.
type cursor struct {
	Page  int `json:"p"`
	Empty int `json:"e,omitempty"`
}

func encodeToken(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeToken(token string) (cursor, error) {
	if token == "" {
		return cursor{Page: 1}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if c.Page < 1 {
		return cursor{}, fmt.Errorf("%w: page %d", ErrInvalidPageToken, c.Page)
	}
	return c, nil
}

// searchResponse mirrors the fields of /search/addresses the pipeline needs.
type searchResponse struct {
	TotalHits *int               `json:"totalHits"`
	Addresses *[]json.RawMessage `json:"addresses"`
}

func decodeSearch(body []byte) (int, []json.RawMessage, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.TotalHits == nil {
		return 0, nil, fmt.Errorf("%w: missing totalHits", ErrMalformedResponse)
	}
	if resp.Addresses == nil {
		return 0, nil, fmt.Errorf("%w: missing addresses", ErrMalformedResponse)
	}
	for i, rec := range *resp.Addresses {
		if len(rec) == 0 || rec[0] != '{' {
			return 0, nil, fmt.Errorf("%w: address %d is not an object", ErrMalformedResponse, i)
		}
	}
	return *resp.TotalHits, *resp.Addresses, nil
}

// next computes the token following cur, or "" when pagination is done.
func next(cur cursor, perPage, ceiling, totalHits, got int) string {
	if got == 0 {
		cur.Empty++
	} else {
		cur.Empty = 0
	}
	if cur.Empty >= maxEmptyPages {
		return ""
	}

	limit := totalHits
	if limit > ceiling {
		limit = ceiling
	}
	if cur.Page*perPage >= limit {
		return ""
	}
	return encodeToken(cursor{Page: cur.Page + 1, Empty: cur.Empty})
}
