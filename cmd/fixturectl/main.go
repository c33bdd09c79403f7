package main

import (
	"log"
	"os"
)

func main() {
	// Replace default logger.
	log.SetOutput(os.Stdout)
	log.SetPrefix("")
	log.SetFlags(0)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
