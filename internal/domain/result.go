package domain

import "time"

// ResultRow is the materialized form of one phenotype-result table row.
// EventDate and Value are independently nullable; which of Boolean/Value a
// node populates is part of that node's documented contract.
type ResultRow struct {
	PersonID  string
	Boolean   bool
	EventDate *time.Time
	Value     *float64
}
