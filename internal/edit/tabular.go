package edit

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/foliodev/folio/internal/fault"
	"github.com/foliodev/folio/internal/parse"
	"github.com/foliodev/folio/internal/types"
)

// TabularStrategy rewrites delimited files cell by cell. Untouched cells
// keep their original spelling, including quoting the author chose; only
// patched cells are re-encoded.
type TabularStrategy struct{}

func (s *TabularStrategy) Kind() types.StrategyKind { return types.StrategyTabular }

func commaFor(path string) byte {
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		return '\t'
	}
	return ','
}

func parseRowLocator(loc types.Locator) (int, error) {
	var n int
	if _, err := fmt.Sscanf(string(loc), "row:%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("not a row locator: %q", loc)
	}
	return n, nil
}

// tableLines splits content into lines keeping each line's newline bytes,
// and records which lines carry data. Blank lines produce no records when
// parsed, so they are transparent to row indexing.
type tableLines struct {
	lines [][]byte
	// recordLines maps record index (header = 0) to line index.
	recordLines []int
}

func splitTable(content []byte) *tableLines {
	t := &tableLines{}
	for len(content) > 0 {
		i := bytes.IndexByte(content, '\n')
		var line []byte
		if i >= 0 {
			line = content[:i+1]
			content = content[i+1:]
		} else {
			line = content
			content = nil
		}
		if len(bytes.TrimRight(line, "\r\n")) > 0 {
			t.recordLines = append(t.recordLines, len(t.lines))
		}
		t.lines = append(t.lines, line)
	}
	return t
}

func (t *tableLines) join() []byte {
	return bytes.Join(t.lines, nil)
}

// lineForRow returns the line index of the Nth data row.
func (t *tableLines) lineForRow(row int) (int, bool) {
	rec := row + 1 // record 0 is the header
	if rec >= len(t.recordLines) {
		return 0, false
	}
	return t.recordLines[rec], true
}

// rawFields splits one line into raw cell spans, honoring quoting. The
// returned suffix is the line's newline bytes.
func rawFields(line []byte, comma byte) (fields [][]byte, suffix []byte, err error) {
	body := bytes.TrimRight(line, "\r\n")
	suffix = line[len(body):]

	start := 0
	inQuotes := false
	for i := 0; i < len(body); i++ {
		switch {
		case body[i] == '"':
			inQuotes = !inQuotes
		case body[i] == comma && !inQuotes:
			fields = append(fields, body[start:i])
			start = i + 1
		}
	}
	if inQuotes {
		return nil, nil, errors.New("cell spans multiple lines")
	}
	fields = append(fields, body[start:])
	return fields, suffix, nil
}

// decodeField strips quoting from a raw cell span.
func decodeField(raw []byte) string {
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

// encodeField renders a replacement cell, quoting only when the value
// requires it.
func encodeField(value string, comma byte) []byte {
	if strings.ContainsAny(value, string(comma)+"\"\n\r") ||
		strings.TrimSpace(value) != value {
		return []byte(`"` + strings.ReplaceAll(value, `"`, `""`) + `"`)
	}
	return []byte(value)
}

// headerColumns maps canonical property keys to column indexes.
func (s *TabularStrategy) headerColumns(t *tableLines, comma byte) (map[string]int, int, error) {
	if len(t.recordLines) == 0 {
		return nil, 0, errors.New("file has no header row")
	}
	headerLine := t.lines[t.recordLines[0]]
	cells, _, err := rawFields(headerLine, comma)
	if err != nil {
		return nil, 0, err
	}
	cols := make(map[string]int, len(cells))
	for i, cell := range cells {
		cols[parse.NormalizeKey(decodeField(cell))] = i
	}
	return cols, len(cells), nil
}

func (s *TabularStrategy) Update(content []byte, binding types.SourceBinding, patch types.PropertyPatch) ([]byte, error) {
	comma := commaFor(binding.SourcePath)
	t := splitTable(content)

	cols, width, err := s.headerColumns(t, comma)
	if err != nil {
		return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath, err)
	}

	row, err := parseRowLocator(binding.Locator)
	if err != nil {
		return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath, err)
	}
	lineIdx, ok := t.lineForRow(row)
	if !ok {
		return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath,
			fmt.Errorf("row %d no longer exists", row))
	}

	fields, suffix, err := rawFields(t.lines[lineIdx], comma)
	if err != nil {
		return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath, err)
	}
	for len(fields) < width {
		fields = append(fields, nil)
	}

	keys := make([]string, 0, len(patch))
	for key := range patch {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		col, ok := cols[parse.NormalizeKey(key)]
		if !ok {
			// Adding a column would rewrite every row; reject instead.
			return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath,
				fmt.Errorf("no column %q in header", key))
		}
		value := ""
		if patch[key] != nil {
			value = types.Stringify(patch[key])
		}
		fields[col] = encodeField(value, comma)
	}

	t.lines[lineIdx] = append(bytes.Join(fields, []byte{comma}), suffix...)
	return t.join(), nil
}

func (s *TabularStrategy) Create(content []byte, target types.SourceBinding, props types.PropertyPatch) ([]byte, types.Locator, error) {
	comma := commaFor(target.SourcePath)
	t := splitTable(content)

	cols, width, err := s.headerColumns(t, comma)
	if err != nil {
		return nil, "", fault.NewEditConflictError("", target.SourcePath, err)
	}

	fields := make([][]byte, width)
	for i := range fields {
		fields[i] = []byte{}
	}
	for key, value := range props {
		col, ok := cols[parse.NormalizeKey(key)]
		if !ok {
			return nil, "", fault.NewEditConflictError("", target.SourcePath,
				fmt.Errorf("no column %q in header", key))
		}
		if value != nil {
			fields[col] = encodeField(types.Stringify(value), comma)
		}
	}

	out := t.join()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, bytes.Join(fields, []byte{comma})...)
	out = append(out, '\n')

	newRow := len(t.recordLines) - 1
	return out, parse.RowLocator(newRow), nil
}

func (s *TabularStrategy) Delete(content []byte, binding types.SourceBinding) ([]byte, error) {
	t := splitTable(content)
	row, err := parseRowLocator(binding.Locator)
	if err != nil {
		return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath, err)
	}
	lineIdx, ok := t.lineForRow(row)
	if !ok {
		return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath,
			fmt.Errorf("row %d no longer exists", row))
	}
	t.lines = append(t.lines[:lineIdx], t.lines[lineIdx+1:]...)
	return t.join(), nil
}

func (s *TabularStrategy) Verify(content []byte, binding types.SourceBinding, patch types.PropertyPatch) error {
	parser := &parse.TabularParser{Comma: rune(commaFor(binding.SourcePath))}
	cands := parser.Parse(binding.SourcePath, content)
	for i := range cands {
		if cands[i].Diagnostic != "" {
			return fault.NewEditVerificationError(string(binding.EntityID), binding.SourcePath,
				"rewritten table does not parse: "+cands[i].Diagnostic)
		}
	}
	if patch == nil {
		// Row deletion renumbers later rows; the reconcile pass that follows
		// the write is what confirms the entity's removal.
		return nil
	}
	// A cleared property re-parses as an empty cell: the row always
	// materializes every header column.
	expect := make(types.PropertyPatch, len(patch))
	for key, want := range patch {
		if want == nil {
			want = ""
		}
		expect[key] = want
	}
	for i := range cands {
		if cands[i].Locator != binding.Locator {
			continue
		}
		if !cands[i].Properties.Satisfies(expect) {
			return fault.NewEditVerificationError(string(binding.EntityID), binding.SourcePath,
				"rewritten row does not encode the requested patch")
		}
		return nil
	}
	return fault.NewEditVerificationError(string(binding.EntityID), binding.SourcePath,
		fmt.Sprintf("row %s missing after rewrite", binding.Locator))
}
