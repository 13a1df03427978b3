// Package config loads the proxy's configuration from environment
// variables, falling back to an interactive terminal prompt for the
// mnemonic so it never has to be written to disk or shell history.
package config

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/term"
)

const (
	envMnemonic     = "SIGNPROXY_MNEMONIC"
	envPassphrase   = "SIGNPROXY_PASSPHRASE"
	envAccountCount = "SIGNPROXY_ACCOUNT_COUNT"
	envListenAddr   = "SIGNPROXY_LISTEN_ADDRESS"
	envNodeURL      = "SIGNPROXY_NODE_URL"
	envValidator    = "SIGNPROXY_VALIDATOR"

	defaultAccountCount = 100
	defaultListenAddr   = "127.0.0.1:8545"
)

// Config is the proxy's fully resolved startup configuration.
type Config struct {
	Mnemonic     string
	Passphrase   string
	AccountCount int
	ListenAddr   string
	NodeURL      string

	// ValidatorScript is the path to an optional Lua policy script. Signing
	// proceeds unvalidated when empty.
	ValidatorScript string
}

// Load reads configuration from the environment, prompting interactively
// for the mnemonic on a terminal if it isn't set.
func Load() (*Config, error) {
	nodeURL := os.Getenv(envNodeURL)
	if nodeURL == "" {
		return nil, fmt.Errorf("config: %s is required", envNodeURL)
	}

	mnemonic := os.Getenv(envMnemonic)
	if mnemonic == "" {
		prompted, err := promptMnemonic()
		if err != nil {
			return nil, fmt.Errorf("config: reading mnemonic: %w", err)
		}
		mnemonic = prompted
	}
	if mnemonic == "" {
		return nil, fmt.Errorf("config: a mnemonic is required (set %s or enter it interactively)", envMnemonic)
	}

	accountCount := defaultAccountCount
	if raw := os.Getenv(envAccountCount); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: %s must be a positive integer", envAccountCount)
		}
		accountCount = n
	}

	listenAddr := os.Getenv(envListenAddr)
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}

	return &Config{
		Mnemonic:        mnemonic,
		Passphrase:      os.Getenv(envPassphrase),
		AccountCount:    accountCount,
		ListenAddr:      listenAddr,
		NodeURL:         nodeURL,
		ValidatorScript: os.Getenv(envValidator),
	}, nil
}

// promptMnemonic reads the mnemonic from the controlling terminal without
// echoing it, returning an empty string if stdin isn't a terminal (e.g.
// running under a process supervisor with no console attached).
func promptMnemonic() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "mnemonic: ")
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
