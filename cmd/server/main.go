package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/rpattn/phenoql/internal/api"
	"github.com/rpattn/phenoql/internal/config"
	"github.com/rpattn/phenoql/internal/db"
	"github.com/rpattn/phenoql/internal/middleware"
	"github.com/rpattn/phenoql/internal/tables"
)

func main() {
	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	dbConfig, serverConfig, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	// Prepare result persistence
	results := db.NewResultStore(conn, "")
	if err := results.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare results table: %v", err)
	}

	// Bind the clinical domains to their physical tables
	source := db.NewPostgresSource(conn, "")
	bindings := []api.DomainBinding{
		{Name: "PERSON", Kind: tables.KindPerson, Table: "person"},
		{Name: "CONDITION_OCCURRENCE", Kind: tables.KindCodeEvent, Table: "condition_occurrence"},
		{Name: "DRUG_EXPOSURE", Kind: tables.KindCodeEvent, Table: "drug_exposure"},
		{Name: "PROCEDURE_OCCURRENCE", Kind: tables.KindCodeEvent, Table: "procedure_occurrence"},
		{Name: "MEASUREMENT", Kind: tables.KindMeasurement, Table: "measurement"},
		{Name: "OBSERVATION_PERIOD", Kind: tables.KindObservationPeriod, Table: "observation_period"},
	}

	apiServer := api.NewServer(source, bindings, results)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   serverConfig.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	handler := corsHandler.Handler(middleware.LoggingMiddleware(apiServer.Routes()))

	// Create HTTP server
	server := &http.Server{
		Addr:         serverConfig.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting phenotype server on %s", serverConfig.Addr)
		log.Printf("Cohort endpoint available at http://localhost%s/api/cohorts", serverConfig.Addr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
