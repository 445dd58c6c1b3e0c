package parse

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/foliodev/folio/internal/types"
)

// TabularParser produces one candidate per data row of a delimited file.
// The first row is the header; its cells become canonical property keys
// after normalization, with the original header text retained.
type TabularParser struct {
	Comma rune
}

func (p *TabularParser) Name() string { return "tabular" }

func (p *TabularParser) Strategy() types.StrategyKind { return types.StrategyTabular }

// RowLocator returns the locator for the Nth data row (0-based).
func RowLocator(n int) types.Locator {
	return types.Locator(fmt.Sprintf("row:%d", n))
}

func (p *TabularParser) Parse(path string, content []byte) []types.Candidate {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.Comma = p.Comma
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return []types.Candidate{StubCandidate("file", types.StrategyTabular, fmt.Sprintf("invalid tabular file: %v", err))}
	}
	if len(records) == 0 {
		return nil
	}

	header := records[0]
	keys := make([]string, len(header))
	for i, raw := range header {
		keys[i] = NormalizeKey(raw)
	}

	candidates := make([]types.Candidate, 0, len(records)-1)
	for rowIdx, record := range records[1:] {
		props := types.NewPropertyMap()
		for col, key := range keys {
			value := ""
			if col < len(record) {
				value = record[col]
			}
			props.SetRaw(key, header[col], value)
		}
		candidates = append(candidates, types.Candidate{
			Locator:    RowLocator(rowIdx),
			TypeID:     "table-row",
			Properties: props,
			Links:      RefLinks(props),
			Strategy:   types.StrategyTabular,
		})
	}
	return candidates
}
