package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Stream defines the final, processed structure for a single stream to
// probe.
type Stream struct {
	Name        string
	PlaylistURL string
	// KeyURL overrides the key URI advertised by the playlist. Empty means
	// the playlist's own key line (if any) is used.
	KeyURL string
	// IV is the processed 16-byte initialization vector, decoded from hex.
	// Nil means the IV comes from the playlist or, failing that, is derived
	// from each segment's media sequence number.
	IV []byte
}

// Config holds the fully processed application configuration.
type Config struct {
	Name      string
	UserAgent string
	Streams   []Stream
}

// rawStream is used for intermediate unmarshaling from the JSON file, to
// handle the hex-encoded IV.
type rawStream struct {
	Name        string `json:"Name"`
	PlaylistURL string `json:"Playlist"`
	KeyURL      string `json:"KeyURL"`
	IV          string `json:"IV"` // Hex-encoded 16-byte IV
}

// rawConfig is the intermediate structure that maps directly to the JSON file.
type rawConfig struct {
	Name      string      `json:"Name"`
	UserAgent string      `json:"UserAgent"`
	Streams   []rawStream `json:"Streams"`
}

// LoadConfig reads and parses the configuration file from the given path.
// It performs the crucial step of processing the raw hex IV strings into
// byte slices of the right length.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var rawCfg rawConfig
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	processed := make([]Stream, 0, len(rawCfg.Streams))
	for _, rs := range rawCfg.Streams {
		var ivBytes []byte

		// Most streams leave the IV to the playlist or the sequence number.
		if rs.IV != "" {
			ivBytes, err = hex.DecodeString(rs.IV)
			if err != nil {
				return nil, fmt.Errorf("failed to decode hex IV for stream '%s': %w", rs.Name, err)
			}
			if len(ivBytes) != 16 {
				return nil, fmt.Errorf("IV for stream '%s' must be 16 bytes, got %d", rs.Name, len(ivBytes))
			}
		}

		processed = append(processed, Stream{
			Name:        rs.Name,
			PlaylistURL: rs.PlaylistURL,
			KeyURL:      rs.KeyURL,
			IV:          ivBytes,
		})
	}

	return &Config{
		Name:      rawCfg.Name,
		UserAgent: rawCfg.UserAgent,
		Streams:   processed,
	}, nil
}
