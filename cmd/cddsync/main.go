package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("Error: %v", err)
		os.Exit(exitCode(err))
	}
}
