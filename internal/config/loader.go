package config

import (
	"fmt"

	"github.com/rpattn/phenoql/internal/db"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// DefaultServerConfig returns the development listener settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Addr: ":8080", AllowedOrigins: []string{"http://localhost:3000"}}
}

// Load reads config.yaml from configPath, falling back to defaults plus
// environment overrides (PHENOQL_DATABASE_HOST and friends).
func Load(configPath string) (db.Config, ServerConfig, error) {
	dbCfg := db.DefaultConfig()
	srvCfg := DefaultServerConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("PHENOQL")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")

	if err := v.ReadInConfig(); err != nil {
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		dbCfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		dbCfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		dbCfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		dbCfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		dbCfg.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		dbCfg.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("server.addr") {
		srvCfg.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		srvCfg.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	return dbCfg, srvCfg, nil
}
