package main

import (
	"os"

	"github.com/hashicorp/go-envparse"
)

// loadEnvFile parses a KEY=VALUE env file the way cmd/atlas's readEnv does,
// so --psk (and other secrets) can be kept out of argv and shell history.
func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return envparse.Parse(f)
}

// envOrFlag returns flagValue if it is non-empty, otherwise env[key].
func envOrFlag(flagValue string, env map[string]string, key string) string {
	if flagValue != "" {
		return flagValue
	}
	return env[key]
}
