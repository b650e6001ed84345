package database

import (
	"fmt"
	"sort"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// applicationName tags store connections in pg_stat_activity.
const applicationName = "carecache"

// Defaults for the shared-server dialects. Every option pins timestamps to
// UTC because entry ages and replay ordering compare stored write times.
var (
	postgresDefaults = map[string]string{
		"sslmode":          "disable",
		"TimeZone":         "UTC",
		"application_name": applicationName,
	}
	mysqlDefaults = map[string]string{
		"charset":   "utf8mb4",
		"parseTime": "True",
		"loc":       "UTC",
	}
)

func openPostgres(cfg Config) (*gorm.DB, error) {
	dsn, err := buildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	return openServer(postgres.Open(dsn))
}

func openMySQL(cfg Config) (*gorm.DB, error) {
	dsn, err := buildMySQLDSN(cfg)
	if err != nil {
		return nil, err
	}
	return openServer(mysql.Open(dsn))
}

func openServer(dialector gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

func buildPostgresDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if err := requireCredentials("postgres", cfg); err != nil {
		return "", err
	}

	params := []string{
		"host=" + orDefault(cfg.Host, "localhost"),
		fmt.Sprintf("port=%d", portOrDefault(cfg.Port, 5432)),
		"user=" + cfg.User,
		"dbname=" + cfg.Name,
	}
	if cfg.Password != "" {
		params = append(params, "password="+cfg.Password)
	}
	params = append(params, mergeOptions(postgresDefaults, cfg.Options)...)
	return strings.Join(params, " "), nil
}

func buildMySQLDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if err := requireCredentials("mysql", cfg); err != nil {
		return "", err
	}

	user := cfg.User
	if cfg.Password != "" {
		user += ":" + cfg.Password
	}
	host := orDefault(cfg.Host, "127.0.0.1")
	port := portOrDefault(cfg.Port, 3306)
	query := strings.Join(mergeOptions(mysqlDefaults, cfg.Options), "&")
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", user, host, port, cfg.Name, query), nil
}

func requireCredentials(dialect string, cfg Config) error {
	if cfg.User == "" || cfg.Name == "" {
		return fmt.Errorf("%s configuration requires user and database name", dialect)
	}
	return nil
}

// mergeOptions overlays overrides on defaults and renders key=value pairs in
// key order so DSNs are stable.
func mergeOptions(defaults, overrides map[string]string) []string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+merged[k])
	}
	return pairs
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func portOrDefault(port, fallback int) int {
	if port <= 0 {
		return fallback
	}
	return port
}
