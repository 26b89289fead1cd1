package validation

// Server-side envelope validation, applied before dispatch in a fixed order:
// timestamp, then nonce, then sender-vs-auth. Timestamp runs first so that
// stale envelopes never populate the nonce store.

import (
	"time"

	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/errors"
)

const (
	DefaultMaxEnvelopeAge     = 300 * time.Second
	DefaultMaxFutureTolerance = 30 * time.Second
)

type Config struct {
	// MaxEnvelopeAge is the replay window: envelopes at least this old are
	// rejected.
	MaxEnvelopeAge time.Duration
	// MaxFutureTolerance bounds acceptable clock skew ahead of the server.
	MaxFutureTolerance time.Duration
	// RequireNonce turns on replay protection via extensions.nonce.
	RequireNonce bool
}

func (c Config) withDefaults() Config {
	if c.MaxEnvelopeAge <= 0 {
		c.MaxEnvelopeAge = DefaultMaxEnvelopeAge
	}
	if c.MaxFutureTolerance <= 0 {
		c.MaxFutureTolerance = DefaultMaxFutureTolerance
	}
	return c
}

type Pipeline struct {
	cfg    Config
	nonces NonceStore

	now func() time.Time
}

// NewPipeline builds the validation pipeline. nonces may be nil when
// RequireNonce is false.
func NewPipeline(cfg Config, nonces NonceStore) *Pipeline {
	return &Pipeline{
		cfg:    cfg.withDefaults(),
		nonces: nonces,
		now:    time.Now,
	}
}

/*
Validate runs the pipeline against an inbound envelope. authenticatedAgent
is the URN resolved by the auth middleware, or "" when the request carried
no credentials.
*/
func (p *Pipeline) Validate(env *envelope.Envelope, authenticatedAgent string) *errors.RpcError {
	if rpcErr := p.checkTimestamp(env); rpcErr != nil {
		return rpcErr
	}

	if p.cfg.RequireNonce {
		if rpcErr := p.checkNonce(env); rpcErr != nil {
			return rpcErr
		}
	}

	if authenticatedAgent != "" && authenticatedAgent != env.Sender {
		return errors.ErrInvalidRequest.WithMessagef(
			"sender mismatch: envelope sender %q does not match authenticated agent",
			env.Sender,
		)
	}

	return nil
}

func (p *Pipeline) checkTimestamp(env *envelope.Envelope) *errors.RpcError {
	if env.Timestamp.IsZero() {
		return errors.ErrInvalidParams.WithMessagef("timestamp missing")
	}

	now := p.now()
	age := now.Sub(env.Timestamp.Time)

	if age >= p.cfg.MaxEnvelopeAge {
		return errors.ErrInvalidParams.WithMessagef(
			"timestamp too old: envelope is %s past the %s replay window",
			age.Truncate(time.Second), p.cfg.MaxEnvelopeAge,
		)
	}
	if age < -p.cfg.MaxFutureTolerance {
		return errors.ErrInvalidParams.WithMessagef(
			"timestamp in the future: beyond the %s clock-skew tolerance",
			p.cfg.MaxFutureTolerance,
		)
	}

	return nil
}

func (p *Pipeline) checkNonce(env *envelope.Envelope) *errors.RpcError {
	nonce := env.Nonce()
	if nonce == "" {
		return errors.ErrInvalidParams.WithMessagef("nonce missing from extensions")
	}
	if p.nonces == nil || p.nonces.Remember(env.Sender, nonce) {
		return nil
	}
	return errors.ErrInvalidParams.WithMessagef("nonce %q already used within the replay window", nonce)
}
