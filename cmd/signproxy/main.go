// Command signproxy is an Ethereum-compatible JSON-RPC proxy that signs
// locally with an HD wallet derived from a mnemonic and forwards
// everything else to an upstream node.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hdnode/signproxy/internal/config"
	"github.com/hdnode/signproxy/internal/ethrpc"
	"github.com/hdnode/signproxy/internal/jsonrpc"
	"github.com/hdnode/signproxy/internal/node"
	"github.com/hdnode/signproxy/internal/signer"
)

const maxBodyBytes = 1 << 20 // 1 MiB

func main() {
	configureLogging()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("signproxy failed to start")
	}
}

func configureLogging() {
	var writer io.Writer = os.Stderr
	if term := os.Getenv("SIGNPROXY_LOG_FORMAT"); term != "json" {
		if isTerminal(os.Stderr) {
			writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	remoteClient, err := jsonrpc.NewClient(cfg.NodeURL)
	if err != nil {
		return err
	}
	eth := ethrpc.New(remoteClient)

	wallet, err := signer.NewWallet(cfg.Mnemonic, cfg.Passphrase, cfg.AccountCount)
	if err != nil {
		return err
	}

	var signing signer.Signing = signer.NewLogRecorder(wallet)
	if cfg.ValidatorScript != "" {
		signing, err = signer.NewValidator(signing, cfg.ValidatorScript)
		if err != nil {
			return err
		}
	}

	n := node.New(signing, remoteClient, eth)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	accounts := make([]string, len(wallet.Accounts()))
	for i, a := range wallet.Accounts() {
		accounts[i] = a.Hex()
	}
	log.Info().Strs("accounts", accounts).Msg("derived accounts")

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("reaching upstream node: %w", err)
	}
	log.Info().Str("chainId", chainID.String()).Msg("signproxy ready")

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpHandler(n),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Info().Str("address", cfg.ListenAddr).Str("upstream", cfg.NodeURL).Msg("listening")
	return server.ListenAndServe()
}

func httpHandler(n *node.Node) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			http.Error(w, "error reading request body", http.StatusBadRequest)
			return
		}
		if len(body) > maxBodyBytes {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		resp := n.Handle(r.Context(), body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp)
	})
}
