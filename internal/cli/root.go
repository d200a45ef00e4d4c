package cli

import (
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	DBPath  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "tokengate",
	Short: "TokenGate - multi-tenant OAuth token lifecycle service",
	Long: `TokenGate manages OAuth tokens for many tenants across multiple
providers: authorization flows, secure storage, proactive refresh before
expiry, and revocation.

Provider calls are guarded by per-provider circuit breakers and rate
limiters; tenants that need to re-authorize are tracked and alerted on.

Usage:
  tokengate [command] [flags]

Available Commands:
  serve      Start the TokenGate server (main mode)
  tenants    List stored tenants and their credential state
  version    Print the version number

Flags:
  --config string   Path to configuration file (default "config.yaml")
  --db string       Path to SQLite database (default "./data/tokengate.db")
  --verbose         Enable verbose output
  --json            Output in JSON format

Use "tokengate [command] --help" for more information about a command.`,
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	configPath := os.Getenv("TOKENGATE_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	dbPath := os.Getenv("TOKENGATE_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/tokengate.db"
	}

	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", configPath, "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.DBPath, "db", dbPath, "Path to SQLite database")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	// Add version command
	RootCmd.AddCommand(versionCmd)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of TokenGate",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion()
	},
}

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

// printVersion prints the version information
func printVersion() {
	info := GetVersionInfo()
	println("TokenGate Version:", info.Version)
	println("Go Version:", info.GoVersion)
	println("OS/Arch:", info.OS+"/"+info.Arch)
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string
	GoVersion string
	OS        string
	Arch      string
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
