// Package pagerange parses page selection expressions such as "1-3,5,7-9".
package pagerange

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
)

var (
	singlePattern = regexp.MustCompile(`^\d+$`)
	rangePattern  = regexp.MustCompile(`^(\d+)-(\d+)$`)
)

// Selection is one item picked by an expression from a named list.
type Selection struct {
	Index int // 1-based position in the list
	Name  string
}

// Resolve returns the pages selected by expr in ascending order without duplicates.
//
// An empty expression selects every page. Values outside [1, total] are clamped
// with a warning; a range that starts after the last page is dropped.
func Resolve(expr string, total int, logger *observability.Logger) ([]int, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	if total <= 0 {
		return nil, &domain.EmptyResultError{Expression: expr, Total: total}
	}

	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		pages := make([]int, total)
		for i := range pages {
			pages[i] = i + 1
		}
		return pages, nil
	}

	selected := make(map[int]struct{})
	for _, raw := range strings.Split(trimmed, ",") {
		token := stripSpaces(raw)

		if singlePattern.MatchString(token) {
			page, err := strconv.Atoi(token)
			if err != nil {
				return nil, &domain.FormatError{Expression: expr, Token: raw}
			}
			selected[clampPage(page, total, expr, logger)] = struct{}{}
			continue
		}

		m := rangePattern.FindStringSubmatch(token)
		if m == nil {
			return nil, &domain.FormatError{Expression: expr, Token: strings.TrimSpace(raw)}
		}
		start, errStart := strconv.Atoi(m[1])
		end, errEnd := strconv.Atoi(m[2])
		if errStart != nil || errEnd != nil {
			return nil, &domain.FormatError{Expression: expr, Token: strings.TrimSpace(raw)}
		}
		if start > end {
			return nil, &domain.RangeOrderError{Expression: expr, Start: start, End: end}
		}

		if start > total {
			logger.Warn().
				Str("expression", expr).
				Str("range", token).
				Int("total_pages", total).
				Msg("Page range is beyond the end of the document, ignoring it")
			continue
		}
		if start < 1 {
			logger.Warn().
				Str("expression", expr).
				Str("range", token).
				Msg("Page range starts before page 1, starting at page 1")
			start = 1
		}
		if end > total {
			logger.Warn().
				Str("expression", expr).
				Str("range", token).
				Int("total_pages", total).
				Msgf("Page range ends after the last page, stopping at page %d", total)
			end = total
		}
		for p := start; p <= end; p++ {
			selected[p] = struct{}{}
		}
	}

	if len(selected) == 0 {
		return nil, &domain.EmptyResultError{Expression: expr, Total: total}
	}

	pages := make([]int, 0, len(selected))
	for p := range selected {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

// SelectNames applies expr to an ordered list of names, e.g. spreadsheet sheets.
func SelectNames(expr string, names []string, logger *observability.Logger) ([]Selection, error) {
	indices, err := Resolve(expr, len(names), logger)
	if err != nil {
		return nil, err
	}
	out := make([]Selection, 0, len(indices))
	for _, idx := range indices {
		out = append(out, Selection{Index: idx, Name: names[idx-1]})
	}
	return out, nil
}

func clampPage(page, total int, expr string, logger *observability.Logger) int {
	switch {
	case page < 1:
		logger.Warn().Str("expression", expr).Int("page", page).Msg("Page number below 1, using page 1")
		return 1
	case page > total:
		logger.Warn().
			Str("expression", expr).
			Int("page", page).
			Int("total_pages", total).
			Msgf("Page number exceeds document length, using page %d", total)
		return total
	}
	return page
}

func stripSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

// Validate checks the grammar of expr before the document length is known.
func Validate(expr string) error {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil
	}
	for _, raw := range strings.Split(trimmed, ",") {
		token := stripSpaces(raw)
		if singlePattern.MatchString(token) {
			continue
		}
		m := rangePattern.FindStringSubmatch(token)
		if m == nil {
			return &domain.FormatError{Expression: expr, Token: strings.TrimSpace(raw)}
		}
		start, errStart := strconv.Atoi(m[1])
		end, errEnd := strconv.Atoi(m[2])
		if errStart != nil || errEnd != nil {
			return &domain.FormatError{Expression: expr, Token: strings.TrimSpace(raw)}
		}
		if start > end {
			return &domain.RangeOrderError{Expression: expr, Start: start, End: end}
		}
	}
	return nil
}
