package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/keygatehq/keygate/internal/config"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// KEYGATE_DATA_DIR env var, or ~/.keygate as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("KEYGATE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.keygate"
}

// openConfigStore opens the credential store. A database DSN configured in
// keygate.yaml (or KEYGATE_DATABASE_DSN) selects Postgres; otherwise the
// SQLite store under the data directory is used.
func openConfigStore() (*config.Store, error) {
	if dsn := viper.GetString("database.dsn"); dsn != "" {
		driver := viper.GetString("database.driver")
		if driver == "" {
			driver = "pgx"
		}
		return config.NewStoreDSN(driver, dsn)
	}
	return config.NewStore(resolveDataDir())
}

// loadGatewayConfig loads keygate.yaml if present, else returns defaults.
func loadGatewayConfig() (*config.YAMLConfig, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("keygate.yaml"); err == nil {
			path = "keygate.yaml"
		}
	}
	if path == "" {
		return config.DefaultYAMLConfig(), nil
	}
	return config.LoadYAMLConfig(path)
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "keygate.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(), "keygate.log")
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
