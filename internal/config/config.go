// Package config loads and validates the local process configuration: the
// identity key location, store directory, overlay listen settings, and the
// frame server's local HTTP bind address.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/chatr/chatr/internal/util"
)

// Config is the top-level on-disk configuration, styled directly on the
// teacher's own Config/Default/Validate/Load/Save/Ensure shape.
type Config struct {
	Identity    Identity    `json:"identity"`
	Store       Store       `json:"store"`
	Overlay     Overlay     `json:"overlay"`
	Profile     Profile     `json:"profile"`
	FrameServer FrameServer `json:"frame_server"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Store struct {
	Dir string `json:"dir"`
}

type Overlay struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
	// RelayAddr is an optional static relay multiaddr (e.g. a known public
	// relay) used for AutoRelay when no relay is discovered via the DHT.
	// Empty disables the static-relay fallback.
	RelayAddr string `json:"relay_addr"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
}

type FrameServer struct {
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Store: Store{
			Dir: "data",
		},
		Overlay: Overlay{
			ListenPort: 0,
			MdnsTag:    "chatr-mdns",
			RelayAddr:  "",
		},
		Profile: Profile{
			DisplayName: "anonymous",
		},
		FrameServer: FrameServer{
			HTTPAddr: "127.0.0.1:7890",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Store.Dir) == "" {
		return errors.New("store.dir is required")
	}
	if c.Overlay.ListenPort < 0 || c.Overlay.ListenPort > 65535 {
		return errors.New("overlay.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.Overlay.MdnsTag) == "" {
		return errors.New("overlay.mdns_tag is required")
	}
	if strings.TrimSpace(c.FrameServer.HTTPAddr) == "" {
		return errors.New("frame_server.http_addr is required")
	}
	return nil
}

// Load reads and validates a config file, starting from Default() so that
// fields absent from the JSON keep their default value.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config at path if it exists, otherwise writes and
// returns a fresh default config. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// KeyFilePath resolves the identity key file against dir (the directory
// containing the loaded config), honouring absolute overrides.
func (c Config) KeyFilePath(dir string) string {
	return util.ResolvePath(dir, c.Identity.KeyFile)
}

// StoreDirPath resolves the store directory against dir.
func (c Config) StoreDirPath(dir string) string {
	return util.ResolvePath(dir, c.Store.Dir)
}
