package barto

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Configuration is plain TOML decoded into plain structs, validated
// once at load. The scalar keys of the actix, mariadb and bartos
// sections and the top-level client keys can be overridden with a
// BARTO_-prefixed environment variable, section and key joined by
// underscores (BARTO_MARIADB_PASSWORD, BARTO_BARTOS_HOST, ...). The
// actix.tls keys and the schedules have no environment override.

// CoordinatorConfig configures the bartos daemon.
type CoordinatorConfig struct {
	Actix     ActixConfig                `toml:"actix"`
	MariaDB   MariaDBConfig              `toml:"mariadb"`
	Schedules map[string]WorkerSchedules `toml:"schedules"`
}

// ActixConfig is the coordinator's listen surface. The section name
// is historical; config files in the field rely on it.
type ActixConfig struct {
	Workers int        `toml:"workers"`
	IP      string     `toml:"ip"`
	Port    int        `toml:"port"`
	TLS     *TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	IP           string `toml:"ip"`
	Port         int    `toml:"port"`
	CertFilePath string `toml:"cert_file_path"`
	KeyFilePath  string `toml:"key_file_path"`
}

// MariaDBConfig locates the durable store.
type MariaDBConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	Database      string `toml:"database"`
	Options       string `toml:"options"`
	OutputTable   string `toml:"output_table"`
	StatusTable   string `toml:"status_table"`
	RetentionDays int    `toml:"retention_days"`
}

// DSN renders the go-sql-driver connection string.
func (m MariaDBConfig) DSN() string {
	port := m.Port
	if port == 0 {
		port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		m.Username, m.Password, m.Host, port, m.Database)
	if m.Options != "" {
		dsn += "&" + m.Options
	}
	return dsn
}

// WorkerSchedules is the schedule list for one worker name.
type WorkerSchedules struct {
	Schedules []ScheduleConfig `toml:"schedules"`
}

// ScheduleConfig is one configured job.
type ScheduleConfig struct {
	Name       string   `toml:"name"`
	OnCalendar string   `toml:"on_calendar"`
	Cmds       []string `toml:"cmds"`
}

// ClientConfig configures bartoc and barto-cli.
type ClientConfig struct {
	Name       string       `toml:"name"`
	Bartos     BartosConfig `toml:"bartos"`
	RetryCount int          `toml:"retry_count"`
}

// BartosConfig locates the coordinator from a client's side.
type BartosConfig struct {
	Prefix string `toml:"prefix"`
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
}

// URL renders the websocket endpoint for the given path.
func (b BartosConfig) URL(path string) string {
	return fmt.Sprintf("%s://%s:%d%s", b.Prefix, b.Host, b.Port, path)
}

// LoadCoordinatorConfig reads, overrides and validates bartos config.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg := &CoordinatorConfig{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
	}

	envString("BARTO_ACTIX_IP", &cfg.Actix.IP)
	envInt("BARTO_ACTIX_PORT", &cfg.Actix.Port)
	envInt("BARTO_ACTIX_WORKERS", &cfg.Actix.Workers)
	envString("BARTO_MARIADB_HOST", &cfg.MariaDB.Host)
	envInt("BARTO_MARIADB_PORT", &cfg.MariaDB.Port)
	envString("BARTO_MARIADB_USERNAME", &cfg.MariaDB.Username)
	envString("BARTO_MARIADB_PASSWORD", &cfg.MariaDB.Password)
	envString("BARTO_MARIADB_DATABASE", &cfg.MariaDB.Database)
	envString("BARTO_MARIADB_OPTIONS", &cfg.MariaDB.Options)
	envString("BARTO_MARIADB_OUTPUT_TABLE", &cfg.MariaDB.OutputTable)
	envString("BARTO_MARIADB_STATUS_TABLE", &cfg.MariaDB.StatusTable)
	envInt("BARTO_MARIADB_RETENTION_DAYS", &cfg.MariaDB.RetentionDays)

	if cfg.Actix.IP == "" {
		cfg.Actix.IP = "0.0.0.0"
	}
	if cfg.Actix.Port == 0 {
		return nil, fmt.Errorf("%w: actix.port required", ErrConfig)
	}
	if cfg.MariaDB.Host == "" || cfg.MariaDB.Username == "" || cfg.MariaDB.Database == "" {
		return nil, fmt.Errorf("%w: mariadb.host, mariadb.username and mariadb.database required", ErrConfig)
	}
	if cfg.MariaDB.OutputTable == "" {
		cfg.MariaDB.OutputTable = "output"
	}
	if cfg.MariaDB.StatusTable == "" {
		cfg.MariaDB.StatusTable = "exit_status"
	}
	if cfg.MariaDB.RetentionDays == 0 {
		cfg.MariaDB.RetentionDays = 7
	}
	if cfg.Actix.TLS != nil {
		if cfg.Actix.TLS.CertFilePath == "" || cfg.Actix.TLS.KeyFilePath == "" {
			return nil, fmt.Errorf("%w: actix.tls.cert_file_path and actix.tls.key_file_path required", ErrConfig)
		}
	}
	for worker, ws := range cfg.Schedules {
		for _, sc := range ws.Schedules {
			if sc.Name == "" || sc.OnCalendar == "" || len(sc.Cmds) == 0 {
				return nil, fmt.Errorf("%w: schedules.%s needs name, on_calendar and cmds", ErrConfig, worker)
			}
		}
	}
	return cfg, nil
}

// BuildSchedules parses every configured expression. ParseError here
// is fatal at coordinator startup.
func (cfg *CoordinatorConfig) BuildSchedules() ([]*Schedule, error) {
	schedules := make([]*Schedule, 0)
	for worker, ws := range cfg.Schedules {
		for _, sc := range ws.Schedules {
			expr, err := ParseExpression(sc.OnCalendar)
			if err != nil {
				return nil, fmt.Errorf("schedules.%s.%s: %w", worker, sc.Name, err)
			}
			schedules = append(schedules, &Schedule{
				WorkerName: worker,
				JobName:    sc.Name,
				Expr:       expr,
				Commands:   sc.Cmds,
			})
		}
	}
	return schedules, nil
}

// LoadClientConfig reads, overrides and validates bartoc or barto-cli
// config.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg := &ClientConfig{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
	}

	envString("BARTO_NAME", &cfg.Name)
	envString("BARTO_BARTOS_PREFIX", &cfg.Bartos.Prefix)
	envString("BARTO_BARTOS_HOST", &cfg.Bartos.Host)
	envInt("BARTO_BARTOS_PORT", &cfg.Bartos.Port)
	envInt("BARTO_RETRY_COUNT", &cfg.RetryCount)

	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrConfig)
	}
	if cfg.Bartos.Prefix == "" {
		cfg.Bartos.Prefix = "ws"
	}
	if cfg.Bartos.Prefix != "ws" && cfg.Bartos.Prefix != "wss" {
		return nil, fmt.Errorf("%w: bartos.prefix must be ws or wss, got %q", ErrConfig, cfg.Bartos.Prefix)
	}
	if cfg.Bartos.Host == "" || cfg.Bartos.Port == 0 {
		return nil, fmt.Errorf("%w: bartos.host and bartos.port required", ErrConfig)
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = 5
	}
	return cfg, nil
}

// DefaultConfigPath is where a binary looks when no
// --config-absolute-path is given.
func DefaultConfigPath(file string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "/etc/barto/" + file
	}
	return dir + "/barto/" + file
}

func envString(key string, target *string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}
