package graphstore

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

const cursorPrefix = "off:"

// EncodeCursor renders an offset as base64url("off:<offset>").
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// DecodeCursor parses a cursor from EncodeCursor. An empty cursor is offset 0;
// anything malformed is ErrInvalidCursor.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(cursor, "="))
	if err != nil {
		return 0, ErrInvalidCursor.WithCause(err)
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, ErrInvalidCursor.WithCause(fmt.Errorf("missing %q prefix", cursorPrefix))
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(s, cursorPrefix))
	if err != nil || offset < 0 {
		return 0, ErrInvalidCursor.WithCause(fmt.Errorf("bad offset %q", s))
	}
	return offset, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// pageWindow decodes page into (offset, limit).
func pageWindow(page models.PaginationOptions) (int, int, error) {
	offset, err := DecodeCursor(page.Cursor)
	if err != nil {
		return 0, 0, err
	}
	return offset, normalizeLimit(page.Limit), nil
}

// newPage builds the result envelope for items at offset out of total.
func newPage[T any](items []T, offset, limit, total int) *models.PaginatedResult[T] {
	if items == nil {
		items = []T{}
	}
	res := &models.PaginatedResult[T]{
		Items:      items,
		TotalCount: total,
		HasMore:    offset+limit < total,
	}
	if res.HasMore {
		res.NextCursor = EncodeCursor(offset + limit)
	}
	return res
}

// paginateSlice pages an already-filtered, ordered slice.
func paginateSlice[T any](all []T, page models.PaginationOptions) (*models.PaginatedResult[T], error) {
	offset, limit, err := pageWindow(page)
	if err != nil {
		return nil, err
	}
	total := len(all)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return newPage(all[start:end], offset, limit, total), nil
}
