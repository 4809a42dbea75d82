package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/phenoql/internal/domain"
)

// Format selects the file format for an export.
type Format string

const (
	FormatCSV      Format = "csv"
	FormatWorkbook Format = "xlsx"
)

// ParseFormat resolves a format name from a request parameter. An empty
// name defaults to CSV.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "csv":
		return FormatCSV, nil
	case "xlsx", "excel":
		return FormatWorkbook, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q", domain.ErrConfiguration, name)
	}
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatWorkbook {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Filename builds a download name for the given phenotype.
func (f Format) Filename(phenotype string) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, phenotype)
	if base == "" {
		base = "results"
	}
	return base + "." + string(f)
}

// Write renders the rows in the receiver format.
func (f Format) Write(w io.Writer, phenotype string, rows []domain.ResultRow) error {
	if f == FormatWorkbook {
		return WriteWorkbook(w, phenotype, rows)
	}
	return WriteCSV(w, rows)
}

// WriteCSV streams result rows as CSV with the canonical result columns
// as the header.
func WriteCSV(w io.Writer, rows []domain.ResultRow) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(domain.ResultColumns()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, 4)
	for _, row := range rows {
		record[0] = row.PersonID
		record[1] = strconv.FormatBool(row.Boolean)
		record[2] = formatDate(row)
		record[3] = formatValue(row)
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write result row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush export: %w", err)
	}
	return nil
}

// WriteWorkbook renders result rows as a single-sheet xlsx workbook named
// after the phenotype.
func WriteWorkbook(w io.Writer, phenotype string, rows []domain.ResultRow) error {
	file := excelize.NewFile()
	defer file.Close()

	sheet := sheetName(phenotype)
	if sheet != "Sheet1" {
		if err := file.SetSheetName("Sheet1", sheet); err != nil {
			return fmt.Errorf("name sheet: %w", err)
		}
	}

	for i, column := range domain.ResultColumns() {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("resolve header cell: %w", err)
		}
		if err := file.SetCellValue(sheet, cell, column); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	for i, row := range rows {
		values := []any{row.PersonID, row.Boolean, formatDate(row), nil}
		if row.Value != nil {
			values[3] = *row.Value
		}
		for j, value := range values {
			if value == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return fmt.Errorf("resolve cell: %w", err)
			}
			if err := file.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("write result row: %w", err)
			}
		}
	}

	if _, err := file.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// sheetName truncates the phenotype name to the 31 characters Excel allows
// for a sheet title.
func sheetName(phenotype string) string {
	name := strings.TrimSpace(phenotype)
	if name == "" {
		return "Sheet1"
	}
	// Truncate on runes: slicing bytes could split a multibyte character
	// and hand excelize an invalid title.
	if runes := []rune(name); len(runes) > 31 {
		name = string(runes[:31])
	}
	return name
}

func formatDate(row domain.ResultRow) string {
	if row.EventDate == nil {
		return ""
	}
	return row.EventDate.Format("2006-01-02")
}

func formatValue(row domain.ResultRow) string {
	if row.Value == nil {
		return ""
	}
	return strconv.FormatFloat(*row.Value, 'f', -1, 64)
}
