package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "responsecache",
	Short: "Reverse proxy serving repeated requests from a response cache",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printFlagsError(rootCmd, "", err)
	}
}

func getENVValue(key, defaultValue string) (v string) {
	var found bool
	if v, found = os.LookupEnv(key); !found {
		return defaultValue
	}
	return
}

// printFlagsError issues a message on stderr, prints the usage and exits with an error code.
func printFlagsError(cmd *cobra.Command, flagName string, err error) {
	if err != nil {
		if flagName != "" {
			fmt.Fprintf(os.Stderr, "error: invalid '%s'; %s\n\n", flagName, err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %s\n\n", err)
		}
	}
	cmd.Help()
	os.Exit(1)
}
