package httpserver

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Default credential headers. gRPC clients send them as metadata keys
// "client-id" and "pass-key".
const (
	DefaultClientIDHeader = "Client-ID"
	DefaultPassKeyHeader  = "Pass-Key"
)

// grpcHealthPrefix is the method prefix of grpc.health.v1. Orchestrator
// probes carry no service credentials.
const grpcHealthPrefix = "/grpc.health.v1.Health/"

// ServiceAuthConfig configures the ServiceAuth stage.
type ServiceAuthConfig struct {
	// Validator checks client IDs and passkeys. Required.
	Validator CredentialValidator

	// ClientIDHeader and PassKeyHeader name the credential headers.
	ClientIDHeader string
	PassKeyHeader  string

	// SkipPaths are request paths served without credentials. gRPC health
	// methods are always skipped.
	SkipPaths []string
}

// CredentialValidator validates service credentials. It returns nil for a
// valid pair, ErrInvalidCredentials for a wrong one and an error wrapping
// ErrCredentialLookup when the credential store is unreachable.
type CredentialValidator interface {
	Validate(ctx context.Context, clientID, passkey string) error
}

// CredentialValidatorFunc adapts a function to CredentialValidator.
type CredentialValidatorFunc func(ctx context.Context, clientID, passkey string) error

func (f CredentialValidatorFunc) Validate(ctx context.Context, clientID, passkey string) error {
	return f(ctx, clientID, passkey)
}

// ErrInvalidCredentials does not tell which half of the pair was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrCredentialLookup is returned when the credential store cannot be
// reached. ServiceAuth answers 503 instead of 401 for it.
var ErrCredentialLookup = errors.New("credential lookup failed")

// MemoryCredentialValidator checks credentials against a fixed client ID
// to passkey map, typically filled from the environment.
type MemoryCredentialValidator struct {
	clients map[string]string
}

// NewMemoryCredentialValidator copies clients, so later changes to the map
// are not seen.
func NewMemoryCredentialValidator(clients map[string]string) *MemoryCredentialValidator {
	cp := make(map[string]string, len(clients))
	for id, key := range clients {
		cp[id] = key
	}
	return &MemoryCredentialValidator{clients: cp}
}

func (v *MemoryCredentialValidator) Validate(_ context.Context, clientID, passkey string) error {
	if clientID == "" || passkey == "" {
		return ErrInvalidCredentials
	}

	expectedPasskey, exists := v.clients[clientID]
	if !exists || !equalSecret(expectedPasskey, passkey) {
		return ErrInvalidCredentials
	}
	return nil
}

func equalSecret(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RowQuerier runs a query expected to return at most one row. *sql.DB,
// *sql.Tx, *sql.Conn, *sqlx.DB and *sqlx.Tx all satisfy it.
type RowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLCredentialValidator looks passkeys up in a database. Lookup failures
// other than a missing row wrap ErrCredentialLookup.
type SQLCredentialValidator struct {
	db    RowQuerier
	query string
}

// NewSQLCredentialValidator takes a query that selects the passkey for the
// client ID bound to its single placeholder:
//
//	v := httpserver.NewSQLCredentialValidator(db,
//	    "SELECT passkey FROM service_credentials WHERE client_id = $1 AND is_active",
//	)
func NewSQLCredentialValidator(db RowQuerier, query string) *SQLCredentialValidator {
	return &SQLCredentialValidator{db: db, query: query}
}

func (v *SQLCredentialValidator) Validate(ctx context.Context, clientID, passkey string) error {
	if clientID == "" || passkey == "" {
		return ErrInvalidCredentials
	}

	var storedPasskey string
	err := v.db.QueryRowContext(ctx, v.query, clientID).Scan(&storedPasskey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrInvalidCredentials
	case err != nil:
		return errors.Join(ErrCredentialLookup, err)
	}

	if !equalSecret(storedPasskey, passkey) {
		return ErrInvalidCredentials
	}
	return nil
}

// ServiceAuth returns middleware that requires a valid client ID and
// passkey pair. Wrong or missing credentials get 401 and a lookup failure
// gets 503; gRPC calls get UNAUTHENTICATED and UNAVAILABLE. The client ID
// of an accepted call is available from ClientIDFromContext and is added
// to the active span and the request logger.
//
//	server, err := httpserver.New(
//	    httpserver.WithServiceAuth(httpserver.ServiceAuthConfig{
//	        Validator: httpserver.NewSQLCredentialValidator(db, query),
//	        SkipPaths: []string{"/v1/public"},
//	    }),
//	    httpserver.WithHandler(mux),
//	)
func ServiceAuth(cfg ServiceAuthConfig) Middleware {
	if cfg.ClientIDHeader == "" {
		cfg.ClientIDHeader = DefaultClientIDHeader
	}
	if cfg.PassKeyHeader == "" {
		cfg.PassKeyHeader = DefaultPassKeyHeader
	}
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || (isGRPC(r) && strings.HasPrefix(r.URL.Path, grpcHealthPrefix)) {
				next.ServeHTTP(w, r)
				return
			}

			clientID := r.Header.Get(cfg.ClientIDHeader)
			passkey := r.Header.Get(cfg.PassKeyHeader)

			if err := cfg.Validator.Validate(r.Context(), clientID, passkey); err != nil {
				if errors.Is(err, ErrCredentialLookup) {
					zerolog.Ctx(r.Context()).Error().Err(err).Msg("service auth unavailable")
					writeFault(w, r, http.StatusServiceUnavailable, "auth", "authentication unavailable")
					return
				}
				zerolog.Ctx(r.Context()).Debug().Str("client_id", clientID).Msg("service auth rejected")
				writeFault(w, r, http.StatusUnauthorized, "auth", "invalid credentials")
				return
			}

			ctx := context.WithValue(r.Context(), clientIDContextKey{}, clientID)
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("client.id", clientID))
			logger := zerolog.Ctx(ctx).With().Str("client_id", clientID).Logger()
			next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
		})
	}
}

type clientIDContextKey struct{}

// ClientIDFromContext returns the client ID accepted by ServiceAuth, or "".
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDContextKey{}).(string); ok {
		return v
	}
	return ""
}
