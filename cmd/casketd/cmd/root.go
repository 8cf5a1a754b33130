package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "casketd",
	Short: "casketd serves content-addressable storage with capability tickets",
	Long: `casketd stores immutable content under its SHA-256 digest and mediates
access through a hierarchy of credentials: user tokens, delegated agent
tokens and short-lived tickets that grant exactly the access they name.
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	viper.SetDefault("listen", ":8080")
	viper.SetDefault("listen-limit", 0)
	viper.SetDefault("backend", "badger")
	viper.SetDefault("blob-path", "casket-blob-data")
	viper.SetDefault("meta-path", "casket-meta-data")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("metrics", true)
	viper.SetDefault("chunk-threshold", 1024*1024)
	viper.SetDefault("max-object-size", 64*1024*1024)
	viper.SetDefault("verify-on-read", true)
	viper.SetDefault("read-ticket-ttl", "1h")
	viper.SetDefault("write-ticket-ttl", "5m")
	viper.SetDefault("user-token-ttl", "1h")
	viper.SetDefault("agent-token-ttl", "672h")

	if cfg := os.Getenv("CASKET_CONFIG"); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.casket")
		viper.AddConfigPath("/etc/casket")
		viper.SetConfigName("casketd")
	}

	viper.SetEnvPrefix("CASKET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "cannot read config:", err)
			os.Exit(1)
		}
	}
}
