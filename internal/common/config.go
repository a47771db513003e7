package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadConfig fills v from conf, which is either a path to a configuration file or JSON content itself.
// Files ending in .toml are read as TOML, anything else as JSON. Keys match v's field names case-insensitively.
func LoadConfig(conf string, v interface{}) error {
	if strings.HasSuffix(strings.ToLower(conf), ".toml") {
		if _, err := toml.DecodeFile(conf, v); err != nil {
			return fmt.Errorf("failed to read TOML configuration: %w", err)
		}
		return nil
	}

	content, errPath := os.ReadFile(conf)
	if errPath != nil {
		errJson := json.Unmarshal([]byte(conf), v)
		if errJson != nil {
			return errors.New("failed to read/unmarshal configuration, path is invalid or " + errJson.Error())
		}
		return nil
	}
	if errJson := json.Unmarshal(content, v); errJson != nil {
		return errors.New("failed to read configuration file: " + errJson.Error())
	}
	return nil
}
