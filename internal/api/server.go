package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/phenoql/internal/codelists"
	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/export"
	"github.com/rpattn/phenoql/internal/phenotypes"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

// DomainBinding maps a named domain to a physical table and its kind.
type DomainBinding struct {
	Name   string
	Kind   tables.Kind
	Table  string
	Rename map[string]string
}

// ResultSink persists the rows of one phenotype execution.
type ResultSink interface {
	SaveRun(ctx context.Context, phenotype string, rows []domain.ResultRow) (uuid.UUID, error)
}

// ResultLoader reads back a persisted run. Sinks that also implement it
// enable the run-retrieval endpoint.
type ResultLoader interface {
	LoadRun(ctx context.Context, runID uuid.UUID, phenotype string) ([]domain.ResultRow, error)
}

// Server exposes cohort and phenotype execution over JSON HTTP.
type Server struct {
	source   relational.Source
	bindings []DomainBinding
	sink     ResultSink

	mu        sync.RWMutex
	cohorts   map[string]CohortDef
	codelists map[string]domain.Codelist
}

// NewServer creates a server executing against the given source. sink may
// be nil when results should not be persisted.
func NewServer(source relational.Source, bindings []DomainBinding, sink ResultSink) *Server {
	return &Server{
		source:    source,
		bindings:  bindings,
		sink:      sink,
		cohorts:   make(map[string]CohortDef),
		codelists: make(map[string]domain.Codelist),
	}
}

// Routes registers all handlers on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/codelists", s.handleListCodelists)
	mux.HandleFunc("POST /api/codelists", s.handleUploadCodelist)
	mux.HandleFunc("GET /api/cohorts", s.handleListCohorts)
	mux.HandleFunc("POST /api/cohorts", s.handleRegisterCohort)
	mux.HandleFunc("POST /api/cohorts/{name}/run", s.handleRunCohort)
	mux.HandleFunc("POST /api/phenotypes/run", s.handleRunPhenotype)
	mux.HandleFunc("POST /api/phenotypes/export", s.handleExportPhenotype)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	return mux
}

// RegisterCodelist adds a codelist to the registry, replacing any previous
// codelist of the same name.
func (s *Server) RegisterCodelist(codelist domain.Codelist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codelists[codelist.Name()] = codelist
}

func (s *Server) lookupCodelist(name string) (domain.Codelist, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codelist, ok := s.codelists[name]
	return codelist, ok
}

func (s *Server) handleListCodelists(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.codelists))
	for name := range s.codelists {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"codelists": names})
}

func (s *Server) handleUploadCodelist(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to parse upload: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	name := strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	var codelist domain.Codelist
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".csv":
		codelist, err = codelists.FromCSV(name, file)
	case ".xlsx":
		codelist, err = codelists.FromWorkbook(name, file)
	default:
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("%w: unsupported codelist format %q", domain.ErrConfiguration, header.Filename))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read codelist %s: %w", header.Filename, err))
		return
	}

	s.RegisterCodelist(codelist)
	log.Printf("[API] Registered codelist %s (%d systems)", codelist.Name(), len(codelist.Systems()))
	writeJSON(w, http.StatusCreated, map[string]any{
		"name":    codelist.Name(),
		"systems": codelist.Systems(),
	})
}

func (s *Server) handleListCohorts(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.cohorts))
	for name := range s.cohorts {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"cohorts": names})
}

func (s *Server) handleRegisterCohort(w http.ResponseWriter, r *http.Request) {
	var def CohortDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode cohort definition: %w", err))
		return
	}

	// Validate by building the graph once; the stored definition is
	// rebuilt per run so memoized node results never leak across runs.
	if _, err := newBuilder(s.lookupCodelist).buildCohort(def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	s.cohorts[def.Name] = def
	s.mu.Unlock()

	log.Printf("[API] Registered cohort %s", def.Name)
	writeJSON(w, http.StatusCreated, map[string]any{"name": def.Name})
}

func (s *Server) handleRunCohort(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.RLock()
	def, ok := s.cohorts[name]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("cohort %q is not registered", name))
		return
	}

	cohort, err := newBuilder(s.lookupCodelist).buildCohort(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	domains, err := s.loadDomains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	start := time.Now()
	result, err := cohort.Execute(r.Context(), domains)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	log.Printf("[API] Cohort %s executed in %v (%d members)", name, time.Since(start), result.Count)

	response := cohortResponse{
		Name:            result.Name,
		Count:           result.Count,
		Members:         indexRows(result.Index),
		Entry:           resultRows(result.Entry),
		Characteristics: make(map[string][]resultRowJSON, len(result.Characteristics)),
	}
	for charName, table := range result.Characteristics {
		response.Characteristics[charName] = resultRows(table)
	}

	if s.sink != nil {
		runID, err := s.sink.SaveRun(r.Context(), "cohort:"+result.Name, phenotypes.ResultRows(result.Entry))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to persist cohort run: %w", err))
			return
		}
		response.RunID = runID.String()
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRunPhenotype(w http.ResponseWriter, r *http.Request) {
	var def PhenotypeDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode phenotype definition: %w", err))
		return
	}

	node, err := newBuilder(s.lookupCodelist).build(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	domains, err := s.loadDomains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := phenotypes.DetectCycle(node); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	result, err := node.Execute(r.Context(), domains)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	log.Printf("[API] Phenotype %s executed in %v (%d rows)", node.Name(), time.Since(start), result.Relation().Len())

	response := phenotypeResponse{Name: node.Name(), Rows: resultRows(result)}
	if s.sink != nil {
		runID, err := s.sink.SaveRun(r.Context(), node.Name(), phenotypes.ResultRows(result))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to persist phenotype run: %w", err))
			return
		}
		response.RunID = runID.String()
	}

	writeJSON(w, http.StatusOK, response)
}

// handleGetRun returns the persisted rows of an earlier run. The phenotype
// name is required because a cohort run persists one row set per phenotype.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	loader, ok := s.sink.(ResultLoader)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("result persistence is not configured"))
		return
	}
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run id: %w", err))
		return
	}
	phenotype := r.URL.Query().Get("phenotype")
	if phenotype == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing phenotype parameter"))
		return
	}

	rows, err := loader.LoadRun(r.Context(), runID, phenotype)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("no rows for run %s phenotype %q", runID, phenotype))
		return
	}

	writeJSON(w, http.StatusOK, phenotypeResponse{
		Name:  phenotype,
		RunID: runID.String(),
		Rows:  resultRowsJSON(rows),
	})
}

// handleExportPhenotype executes an inline phenotype definition and streams
// the result as a CSV or xlsx download.
func (s *Server) handleExportPhenotype(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var def PhenotypeDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode phenotype definition: %w", err))
		return
	}

	node, err := newBuilder(s.lookupCodelist).build(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := phenotypes.DetectCycle(node); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	domains, err := s.loadDomains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	result, err := node.Execute(r.Context(), domains)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	rows := phenotypes.ResultRows(result)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", format.Filename(node.Name())))
	if err := format.Write(w, node.Name(), rows); err != nil {
		log.Printf("[API] Failed to stream export for %s: %v", node.Name(), err)
		return
	}
	log.Printf("[API] Exported phenotype %s as %s (%d rows)", node.Name(), format, len(rows))
}

// loadDomains materializes every bound physical table as a typed table.
func (s *Server) loadDomains(ctx context.Context) (phenotypes.Tables, error) {
	domains := make(phenotypes.Tables, len(s.bindings))
	for _, binding := range s.bindings {
		rel, err := s.source.Table(ctx, binding.Table)
		if err != nil {
			return nil, fmt.Errorf("failed to load domain %s: %w", binding.Name, err)
		}
		desc := tables.DefaultDescriptor(binding.Kind)
		if len(binding.Rename) > 0 {
			desc = desc.WithRename(binding.Rename)
		}
		table, err := tables.New(desc, rel)
		if err != nil {
			return nil, fmt.Errorf("failed to bind domain %s: %w", binding.Name, err)
		}
		domains[binding.Name] = table
	}
	return domains, nil
}

type cohortResponse struct {
	Name            string                     `json:"name"`
	Count           int                        `json:"count"`
	RunID           string                     `json:"run_id,omitempty"`
	Members         []memberJSON               `json:"members"`
	Entry           []resultRowJSON            `json:"entry"`
	Characteristics map[string][]resultRowJSON `json:"characteristics,omitempty"`
}

type phenotypeResponse struct {
	Name  string          `json:"name"`
	RunID string          `json:"run_id,omitempty"`
	Rows  []resultRowJSON `json:"rows"`
}

type memberJSON struct {
	PersonID  string `json:"person_id"`
	IndexDate string `json:"index_date,omitempty"`
}

type resultRowJSON struct {
	PersonID  string   `json:"person_id"`
	Boolean   bool     `json:"boolean"`
	EventDate *string  `json:"event_date,omitempty"`
	Value     *float64 `json:"value,omitempty"`
}

func resultRows(table *tables.TypedTable) []resultRowJSON {
	return resultRowsJSON(phenotypes.ResultRows(table))
}

func resultRowsJSON(materialized []domain.ResultRow) []resultRowJSON {
	rows := make([]resultRowJSON, len(materialized))
	for i, row := range materialized {
		rows[i] = resultRowJSON{PersonID: row.PersonID, Boolean: row.Boolean, Value: row.Value}
		if row.EventDate != nil {
			formatted := row.EventDate.Format("2006-01-02")
			rows[i].EventDate = &formatted
		}
	}
	return rows
}

func indexRows(index *tables.TypedTable) []memberJSON {
	raw := index.Relation().Rows()
	members := make([]memberJSON, 0, len(raw))
	for _, row := range raw {
		member := memberJSON{PersonID: relational.AsText(row, domain.ColPersonID)}
		if date, ok := relational.AsTime(row[domain.ColIndexDate]); ok {
			member.IndexDate = date.Format("2006-01-02")
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].PersonID < members[j].PersonID })
	return members
}

func statusFor(err error) int {
	if errors.Is(err, domain.ErrConfiguration) {
		return http.StatusBadRequest
	}
	var unknown *relational.UnknownTableError
	if errors.As(err, &unknown) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	log.Printf("[API] Request failed (%d): %v", status, err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
