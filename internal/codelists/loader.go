// Package codelists loads clinical codelists from delimited files and Excel
// workbooks into the immutable domain representation.
package codelists

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/phenoql/internal/domain"
)

// ErrUnsupportedFormat reports a file extension the loader cannot parse.
var ErrUnsupportedFormat = errors.New("unsupported codelist format")

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Recognized header spellings for the code and code-system columns.
var (
	codeHeaders   = map[string]struct{}{"CODE": {}, "CONCEPT_CODE": {}}
	systemHeaders = map[string]struct{}{"CODE_TYPE": {}, "CODE_SYSTEM": {}, "VOCABULARY": {}, "SYSTEM": {}}
)

// LoadFile reads a codelist from a .csv or .xlsx file; the codelist takes
// its name from the file's base name.
func LoadFile(path string) (domain.Codelist, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return domain.Codelist{}, fmt.Errorf("read codelist file: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FromCSV(name, bytes.NewReader(payload))
	case ".xlsx":
		return FromWorkbook(name, bytes.NewReader(payload))
	default:
		return domain.Codelist{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// FromCSV reads a codelist from CSV content with a header row naming at
// least the code column. A leading byte order mark is tolerated.
func FromCSV(name string, r io.Reader) (domain.Codelist, error) {
	buffered := bufio.NewReader(r)
	if prefix, err := buffered.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = buffered.Discard(len(byteOrderMark))
	}

	reader := csv.NewReader(buffered)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return domain.Codelist{}, fmt.Errorf("read csv codelist: %w", err)
	}
	return fromRecords(name, records)
}

// FromWorkbook reads a codelist from the first sheet of an xlsx workbook.
func FromWorkbook(name string, r io.Reader) (domain.Codelist, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return domain.Codelist{}, fmt.Errorf("open xlsx codelist: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return domain.Codelist{}, errors.New("xlsx codelist has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return domain.Codelist{}, fmt.Errorf("read xlsx codelist rows: %w", err)
	}
	return fromRecords(name, rows)
}

func fromRecords(name string, records [][]string) (domain.Codelist, error) {
	var header []string
	var dataRows [][]string
	for _, row := range records {
		if rowEmpty(row) {
			continue
		}
		if header == nil {
			header = row
			continue
		}
		dataRows = append(dataRows, row)
	}
	if header == nil {
		return domain.Codelist{}, fmt.Errorf("codelist %s: no header row found", name)
	}

	codeIdx, systemIdx := -1, -1
	for i, cell := range header {
		normalized := strings.ToUpper(strings.TrimSpace(cell))
		if _, ok := codeHeaders[normalized]; ok && codeIdx < 0 {
			codeIdx = i
		}
		if _, ok := systemHeaders[normalized]; ok && systemIdx < 0 {
			systemIdx = i
		}
	}
	if codeIdx < 0 {
		return domain.Codelist{}, fmt.Errorf("codelist %s: no code column in header [%s]", name, strings.Join(header, ", "))
	}

	codes := make(map[string][]string)
	for _, row := range dataRows {
		if codeIdx >= len(row) {
			continue
		}
		code := strings.TrimSpace(row[codeIdx])
		if code == "" {
			continue
		}
		system := "UNKNOWN"
		if systemIdx >= 0 && systemIdx < len(row) {
			if s := strings.TrimSpace(row[systemIdx]); s != "" {
				system = s
			}
		}
		codes[system] = append(codes[system], code)
	}
	if len(codes) == 0 {
		return domain.Codelist{}, fmt.Errorf("codelist %s: no codes found", name)
	}

	codelist, err := domain.NewCodelist(name, codes)
	if err != nil {
		return domain.Codelist{}, err
	}
	if systemIdx < 0 {
		// Without a code-system column the codelist can only match on code.
		codelist = codelist.WithoutCodeTypeMatch()
	}
	return codelist, nil
}

func rowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
