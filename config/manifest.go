package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("config: duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Manifest declares the tokens and feeds the vault trades at startup.
type Manifest struct {
	Tokens []ManifestToken `yaml:"tokens"`
	Feeds  []ManifestFeed  `yaml:"feeds"`
}

// ManifestToken registers one payment token.
type ManifestToken struct {
	Address   string `yaml:"address"`
	Symbol    string `yaml:"symbol"`
	Decimals  uint8  `yaml:"decimals"`
	Feed      string `yaml:"feed"`
	FeeBps    uint32 `yaml:"fee_bps"`
	Allowance string `yaml:"allowance"`
	Stable    bool   `yaml:"stable"`
}

// ManifestFeed declares a custom price feed and its guards. Answers are in
// the feed's native decimals.
type ManifestFeed struct {
	Name            string   `yaml:"name"`
	Decimals        uint8    `yaml:"decimals"`
	MinAnswer       string   `yaml:"min_answer"`
	MaxAnswer       string   `yaml:"max_answer"`
	MaxDeviationBps uint32   `yaml:"max_deviation_bps"`
	HealthyDiff     Duration `yaml:"healthy_diff"`
}

// LoadManifest reads the YAML token manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest %s: %w", path, err)
	}
	manifest := &Manifest{}
	if err := yaml.Unmarshal(raw, manifest); err != nil {
		return nil, fmt.Errorf("config: decode manifest %s: %w", path, err)
	}
	for i, tok := range manifest.Tokens {
		if _, err := Address(tok.Address); err != nil {
			return nil, fmt.Errorf("config: manifest token %d: %w", i, err)
		}
		if tok.Symbol == "" {
			return nil, fmt.Errorf("config: manifest token %d: symbol required", i)
		}
		if !tok.Stable && tok.Feed == "" {
			return nil, fmt.Errorf("config: manifest token %s: feed required", tok.Symbol)
		}
	}
	for i, feed := range manifest.Feeds {
		if feed.Name == "" {
			return nil, fmt.Errorf("config: manifest feed %d: name required", i)
		}
	}
	return manifest, nil
}
