// Package extract pulls column-aligned text out of HTML documents and pivots it
// into row records.
package extract

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

// Extract returns, for each selector, the normalized text of every matching
// element in document order. It never fails: unparseable input or selectors
// simply produce empty columns.
func Extract(html string, selectors []string) [][]string {
	columns, err := ExtractReader(strings.NewReader(html), selectors)
	if err != nil {
		return emptyColumns(len(selectors))
	}
	return columns
}

// ExtractReader behaves like Extract but surfaces document read/parse errors.
func ExtractReader(r io.Reader, selectors []string) ([][]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return emptyColumns(len(selectors)), fmt.Errorf("parse html document: %w", err)
	}
	columns := make([][]string, len(selectors))
	for i, raw := range selectors {
		columns[i] = selectText(doc, raw)
	}
	return columns, nil
}

func selectText(doc *goquery.Document, raw string) []string {
	out := []string{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	matcher, err := cascadia.Compile(raw)
	if err != nil {
		return out
	}
	doc.FindMatcher(matcher).Each(func(_ int, s *goquery.Selection) {
		out = append(out, Normalize(s.Text()))
	})
	return out
}

// Normalize trims the text and collapses internal whitespace runs (including
// non-breaking spaces) into single spaces.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Reshape pivots parallel columns into records keyed by fieldNames. The first
// column decides the row count; missing cells become empty strings.
func Reshape(columns [][]string, fieldNames []string) []pnr.Record {
	if len(columns) == 0 || len(fieldNames) == 0 {
		return []pnr.Record{}
	}
	rows := len(columns[0])
	records := make([]pnr.Record, 0, rows)
	for row := 0; row < rows; row++ {
		rec := make(pnr.Record, len(fieldNames))
		for col, name := range fieldNames {
			rec[name] = cell(columns, col, row)
		}
		records = append(records, rec)
	}
	return records
}

func cell(columns [][]string, col, row int) string {
	if col >= len(columns) || row >= len(columns[col]) {
		return ""
	}
	return columns[col][row]
}

func emptyColumns(n int) [][]string {
	columns := make([][]string, n)
	for i := range columns {
		columns[i] = []string{}
	}
	return columns
}
