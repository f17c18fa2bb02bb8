package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Local overrides for development; absence is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
