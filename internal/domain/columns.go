package domain

// Canonical column names shared by every table kind. Physical schemas map
// onto these via each typed table's rename mapping.
const (
	ColPersonID               = "PERSON_ID"
	ColBoolean                = "BOOLEAN"
	ColEventDate              = "EVENT_DATE"
	ColValue                  = "VALUE"
	ColCode                   = "CODE"
	ColCodeType               = "CODE_TYPE"
	ColIndexDate              = "INDEX_DATE"
	ColDateOfBirth            = "DATE_OF_BIRTH"
	ColDateOfDeath            = "DATE_OF_DEATH"
	ColObservationPeriodStart = "OBSERVATION_PERIOD_START_DATE"
	ColObservationPeriodEnd   = "OBSERVATION_PERIOD_END_DATE"
)

// ResultColumns is the canonical column contract every phenotype result
// table must expose: one row per qualifying subject with a boolean flag, a
// nullable event date and a nullable numeric value.
func ResultColumns() []string {
	return []string{ColPersonID, ColBoolean, ColEventDate, ColValue}
}
