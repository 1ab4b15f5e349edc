package kernel

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadConfig reads and decodes a JSON configuration file into T. It
// returns an error instead of calling os.Exit, since a config loader
// that can terminate the process is not safely composable into a
// library a caller might want to retry or report on.
func LoadConfig[T any](path string) (*T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("kernel: opening config %s: %w", path, err)
	}
	defer f.Close()

	var cfg T
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("kernel: decoding config %s: %w", path, err)
	}
	return &cfg, nil
}
