package main

import (
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-machines/internal/config"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "celerix-machined",
	Short: "Celerix machines daemon",
	Long: `celerix-machined serves the machine image REST API for a provider catalog.

Settings come from flags, CELERIX_* environment variables, a .env file and an
optional celerix-machines.yaml.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./celerix-machines.yaml)")
	flags.String("data-dir", "", "badger directory for users, identities and machine records")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-dev", false, "human readable console logging")

	v.BindPFlag("data.dir", flags.Lookup("data-dir"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("log.dev", flags.Lookup("log-dev"))

	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
