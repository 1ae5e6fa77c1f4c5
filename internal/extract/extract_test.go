package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

const journeyHTML = `<html><body>
<table class="legs">
  <tr><td class="from">  NEW
      DELHI </td><td class="to">MUMBAI</td><td class="date">15-Jan-2024</td></tr>
  <tr><td class="from">MUMBAI</td><td class="to">PUNE</td><td class="date">16-Jan-2024</td></tr>
</table>
<p class="status">CNF/S1/25&nbsp;</p>
</body></html>`

func TestExtractReturnsTextInDocumentOrder(t *testing.T) {
	t.Parallel()

	cols := Extract(journeyHTML, []string{"td.from", "td.to", "p.status", "span.missing"})

	require.Len(t, cols, 4)
	require.Equal(t, []string{"NEW DELHI", "MUMBAI"}, cols[0])
	require.Equal(t, []string{"MUMBAI", "PUNE"}, cols[1])
	require.Equal(t, []string{"CNF/S1/25"}, cols[2])
	require.NotNil(t, cols[3])
	require.Empty(t, cols[3])
}

func TestExtractEmptyAndMalformedInput(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "<<<not html", "<td>unterminated", "\x00\x01"} {
		cols := Extract(input, []string{"td.from", "p.status"})
		require.Len(t, cols, 2, "input %q", input)
		for _, col := range cols {
			require.NotNil(t, col)
		}
		require.Empty(t, cols[0], "input %q", input)
		require.Empty(t, cols[1], "input %q", input)
	}
}

func TestExtractInvalidSelectorYieldsEmptyColumn(t *testing.T) {
	t.Parallel()

	cols := Extract(journeyHTML, []string{"td[", "", "td.to"})
	require.Empty(t, cols[0])
	require.Empty(t, cols[1])
	require.Equal(t, []string{"MUMBAI", "PUNE"}, cols[2])
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestExtractReaderSurfacesReadErrors(t *testing.T) {
	t.Parallel()

	cols, err := ExtractReader(failingReader{}, []string{"td"})
	require.Error(t, err)
	require.Equal(t, [][]string{{}}, cols)
}

func TestReshapePadsMissingCells(t *testing.T) {
	t.Parallel()

	columns := [][]string{
		{"NEW DELHI", "MUMBAI", "PUNE"},
		{"MUMBAI"},
		{},
	}
	records := Reshape(columns, []string{"from", "to", "date"})

	require.Equal(t, []pnr.Record{
		{"from": "NEW DELHI", "to": "MUMBAI", "date": ""},
		{"from": "MUMBAI", "to": "", "date": ""},
		{"from": "PUNE", "to": "", "date": ""},
	}, records)
}

func TestReshapeMoreFieldsThanColumns(t *testing.T) {
	t.Parallel()

	records := Reshape([][]string{{"a"}}, []string{"from", "to"})
	require.Equal(t, []pnr.Record{{"from": "a", "to": ""}}, records)
}

func TestReshapeEmpty(t *testing.T) {
	t.Parallel()

	require.Empty(t, Reshape(nil, []string{"from"}))
	require.Empty(t, Reshape([][]string{{}}, []string{"from"}))
	require.Empty(t, Reshape([][]string{{"x"}}, nil))
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "CNF / S1", Normalize("\n\tCNF  /   S1  "))
	require.Equal(t, "", Normalize("   "))
}

func FuzzExtract(f *testing.F) {
	f.Add(journeyHTML, "td.from")
	f.Add("", "p")
	f.Add("<table><tr><td>x", "td:nth-child(")
	f.Fuzz(func(t *testing.T, html, selector string) {
		cols := Extract(html, []string{selector})
		if len(cols) != 1 || cols[0] == nil {
			t.Fatalf("Extract returned %#v", cols)
		}
	})
}
