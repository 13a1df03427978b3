package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hdnode/signproxy/internal/txrequest"
	"github.com/hdnode/signproxy/internal/typeddata"
)

// LogRecorder decorates a Signing with structured audit logging of every
// signing operation. It never logs private key material, only the account,
// the request shape, and the resulting signature.
type LogRecorder struct {
	inner  Signing
	logger zerolog.Logger
}

// NewLogRecorder wraps inner with audit logging.
func NewLogRecorder(inner Signing) *LogRecorder {
	return &LogRecorder{inner: inner, logger: log.Logger}
}

func (l *LogRecorder) Accounts() []common.Address {
	return l.inner.Accounts()
}

func (l *LogRecorder) SignMessage(ctx context.Context, account common.Address, data []byte) (Signature, error) {
	l.logger.Info().
		Str("account", account.Hex()).
		Str("data", hexutil.Encode(data)).
		Msg("signing message")

	sig, err := l.inner.SignMessage(ctx, account, data)
	if err != nil {
		l.logger.Warn().Str("account", account.Hex()).Err(err).Msg("signing message failed")
		return Signature{}, err
	}
	l.logger.Info().Str("account", account.Hex()).Str("signature", sig.Hex()).Msg("signed message")
	return sig, nil
}

func (l *LogRecorder) SignTransaction(ctx context.Context, account common.Address, tx *txrequest.Transaction) (Signature, error) {
	l.logger.Info().
		Str("account", account.Hex()).
		Interface("transaction", tx).
		Msg("signing transaction")

	sig, err := l.inner.SignTransaction(ctx, account, tx)
	if err != nil {
		l.logger.Warn().Str("account", account.Hex()).Err(err).Msg("signing transaction failed")
		return Signature{}, err
	}
	l.logger.Info().Str("account", account.Hex()).Str("signature", sig.Hex()).Msg("signed transaction")
	return sig, nil
}

func (l *LogRecorder) SignTypedData(ctx context.Context, account common.Address, data *typeddata.TypedData) (Signature, error) {
	l.logger.Info().
		Str("account", account.Hex()).
		RawJSON("typedData", data.Raw()).
		Msg("signing typed data")

	sig, err := l.inner.SignTypedData(ctx, account, data)
	if err != nil {
		l.logger.Warn().Str("account", account.Hex()).Err(err).Msg("signing typed data failed")
		return Signature{}, err
	}
	l.logger.Info().Str("account", account.Hex()).Str("signature", sig.Hex()).Msg("signed typed data")
	return sig, nil
}
