package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/magiconair/properties"
)

const configPathKey = "configPath"

// StartupFile returns the platform path of the startup file, which
// contains a single configPath=… line naming the active config file.
func StartupFile() string {
	return filepath.Join(xdg.ConfigHome, "iplchat", "server", "startup.conf")
}

// ReadStartup resolves the active config file path from the startup
// file at startupPath.
func ReadStartup(startupPath string) (string, error) {
	p, err := properties.LoadFile(startupPath, properties.UTF8)
	if err != nil {
		return "", fmt.Errorf("read startup file: %w", err)
	}
	configPath, ok := p.Get(configPathKey)
	if !ok || configPath == "" {
		return "", fmt.Errorf("startup file %s: missing %s", startupPath, configPathKey)
	}
	return configPath, nil
}

// WriteStartup records the active config file path.
func WriteStartup(startupPath, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(startupPath), 0o750); err != nil {
		return fmt.Errorf("write startup file: %w", err)
	}
	p := properties.NewProperties()
	p.Set(configPathKey, configPath)

	f, err := os.Create(startupPath)
	if err != nil {
		return fmt.Errorf("write startup file: %w", err)
	}
	defer f.Close()
	if _, err := p.Write(f, properties.UTF8); err != nil {
		return fmt.Errorf("write startup file: %w", err)
	}
	return nil
}

// Bootstrap resolves the active configuration. When the startup or
// config file is missing or malformed, the operator is prompted on r/w
// to create one with defaults; declining returns an error and the
// server aborts.
func Bootstrap(startupPath string, r io.Reader, w io.Writer) (*Config, string, error) {
	dataDir := filepath.Join(xdg.DataHome, "iplchat", "server")
	cfg := &Config{}
	cfg.LoadDefaults(dataDir)

	configPath, err := ReadStartup(startupPath)
	if err == nil {
		if lerr := Load(configPath, cfg); lerr == nil {
			return cfg, configPath, nil
		} else {
			fmt.Fprintf(w, "config file %s is unusable: %v\n", configPath, lerr)
			// Load may have applied some keys before failing.
			cfg.LoadDefaults(dataDir)
		}
	} else {
		fmt.Fprintf(w, "no usable startup file: %v\n", err)
	}

	reader := bufio.NewReader(r)
	fmt.Fprint(w, "create a default configuration? [y/N] ")
	answer, _ := reader.ReadString('\n')
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
		return nil, "", fmt.Errorf("configuration declined by operator")
	}

	if configPath == "" {
		configPath = filepath.Join(filepath.Dir(startupPath), "server.conf")
	}
	if err := Save(configPath, cfg); err != nil {
		return nil, "", err
	}
	if err := WriteStartup(startupPath, configPath); err != nil {
		return nil, "", err
	}
	fmt.Fprintf(w, "wrote %s\n", configPath)
	return cfg, configPath, nil
}
