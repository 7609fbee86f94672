package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	userConfigDir  = ".config/popupauth"
	configFileName = "config.yaml"
	storageDirName = "storage"

	DefaultStoragePrefix = "popupauth_"
	DefaultRelayKey      = "authcode"
	DefaultCloseDelay    = 500 * time.Millisecond
	DefaultPopupWidth    = 500
	DefaultPopupHeight   = 500
	DefaultPollInterval  = 35 * time.Millisecond
	DefaultLogLevel      = "info"
)

// DefaultDir returns ~/.config/popupauth.
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// DefaultPath returns the default configuration file location.
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Default returns the configuration used for everything not set elsewhere.
func Default() Config {
	var storageDir string
	if dir, err := DefaultDir(); err == nil {
		storageDir = filepath.Join(dir, storageDirName)
	}

	return Config{
		Storage: StorageConfig{
			Dir:    storageDir,
			Prefix: DefaultStoragePrefix,
		},
		Popup: PopupConfig{
			Width:        DefaultPopupWidth,
			Height:       DefaultPopupHeight,
			PollInterval: DefaultPollInterval,
		},
		Relay: RelayConfig{
			Key:        DefaultRelayKey,
			CloseDelay: DefaultCloseDelay,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}
