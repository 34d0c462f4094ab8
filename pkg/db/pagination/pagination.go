// Package pagination implements opaque keyset page tokens for the
// newest-first listings (audit logs, webhook failures, the review queue).
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ErrInvalidToken is returned for a page token that does not decode to a
// usable position.
var ErrInvalidToken = errors.New("invalid page token")

// Pagination is the query binding shared by list endpoints.
type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=50"`
}

// Cursor is the wire shape carried inside a page token.
type Cursor struct {
	ID        string `json:"id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token"`
	HasMore       bool   `json:"has_more"`
}

// Keyset is a decoded (created_at, id) position. Rows strictly older than
// it, or equal in time with a smaller id, come next.
type Keyset struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// At builds the cursor for a row.
func At(id snowflake.ID, createdAt time.Time) Cursor {
	return Cursor{ID: id.String(), CreatedAt: createdAt.UTC().Format(time.RFC3339Nano)}
}

func EncodeCursor(c Cursor) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func DecodeCursor(token string) (*Cursor, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	c := new(Cursor)
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseKeyset decodes token into a position. A blank token means the first
// page and yields nil without error.
func ParseKeyset(token string) (*Keyset, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	c, err := DecodeCursor(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	createdAt, err := time.Parse(time.RFC3339Nano, c.CreatedAt)
	if err != nil {
		return nil, ErrInvalidToken
	}
	id, err := snowflake.ParseString(strings.TrimSpace(c.ID))
	if err != nil || id == 0 {
		return nil, ErrInvalidToken
	}
	return &Keyset{ID: id, CreatedAt: createdAt}, nil
}

// Clamp returns def for a non-positive size and caps it at max.
func Clamp(size, def, max int) int {
	switch {
	case size <= 0:
		return def
	case size > max:
		return max
	default:
		return size
	}
}

// BuildPageInfo trims a limit+1 result set and derives the next token from
// the last kept element.
func BuildPageInfo[T any](data []T, limit int, cursorOf func(T) Cursor) ([]T, PageInfo, error) {
	if limit <= 0 || len(data) <= limit {
		return data, PageInfo{}, nil
	}
	data = data[:limit]
	token, err := EncodeCursor(cursorOf(data[limit-1]))
	if err != nil {
		return nil, PageInfo{}, err
	}
	return data, PageInfo{NextPageToken: token, HasMore: true}, nil
}
