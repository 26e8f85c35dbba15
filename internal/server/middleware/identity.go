package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/condmarket/internal/crypto"
	"github.com/alanyoungcy/condmarket/internal/domain"
)

// Request identity headers.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderCaller    = "X-Caller"
	HeaderNonce     = "X-Nonce"
)

const (
	maxSignedBody = 1 << 20
	maxNonceLen   = 128
)

type callerKey struct{}

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller set by Identity.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

// IdentityConfig controls how callers are identified.
type IdentityConfig struct {
	// RequireSignatures recovers the caller from X-Signature over the
	// request; an X-Caller sent alongside must match the recovered address.
	// When false, X-Caller is trusted as-is.
	RequireSignatures bool
	// MaxSkew bounds how far X-Timestamp may drift from now.
	MaxSkew time.Duration
	// Nonces records accepted signed mutations so each is honoured once.
	// Nil uses an in-process store.
	Nonces domain.NonceStore
	Now    func() time.Time
}

// Identity attaches the caller to the request context. Requests without
// identity headers pass through anonymously; handlers that need a caller
// reject them. A present but invalid signature is rejected here, as is a
// signed mutation whose signed content was already accepted once.
func Identity(cfg IdentityConfig) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.Nonces == nil {
		cfg.Nonces = newLocalNonces(cfg.Now)
	}
	// A timestamp stays acceptable for MaxSkew on either side of now.
	replayTTL := 2 * cfg.MaxSkew
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.RequireSignatures {
				if h := r.Header.Get(HeaderCaller); h != "" {
					if !common.IsHexAddress(h) {
						writeError(w, http.StatusBadRequest, "invalid "+HeaderCaller)
						return
					}
					r = r.WithContext(WithCaller(r.Context(), common.HexToAddress(h)))
				}
				next.ServeHTTP(w, r)
				return
			}

			sig := r.Header.Get(HeaderSignature)
			if sig == "" {
				next.ServeHTTP(w, r)
				return
			}
			ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid "+HeaderTimestamp)
				return
			}
			if skew := cfg.Now().Sub(time.Unix(ts, 0)); skew > cfg.MaxSkew || skew < -cfg.MaxSkew {
				writeError(w, http.StatusUnauthorized, "request timestamp outside allowed window")
				return
			}
			nonce := r.Header.Get(HeaderNonce)
			if len(nonce) > maxNonceLen {
				writeError(w, http.StatusBadRequest, "invalid "+HeaderNonce)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			if len(body) > maxSignedBody {
				writeError(w, http.StatusRequestEntityTooLarge, "body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			signed := crypto.Request{Method: r.Method, Path: r.URL.Path, Timestamp: ts, Nonce: nonce, Body: body}
			caller, err := crypto.RecoverCaller(signed, sig)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid signature")
				return
			}
			if claimed := r.Header.Get(HeaderCaller); claimed != "" && common.HexToAddress(claimed) != caller {
				writeError(w, http.StatusUnauthorized, "signature does not match "+HeaderCaller)
				return
			}
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				// Keyed on the signed content, not the signature bytes, which
				// have more than one valid encoding.
				key := caller.Hex() + ":" + hex.EncodeToString(crypto.RequestDigest(signed))
				fresh, err := cfg.Nonces.Claim(r.Context(), key, replayTTL)
				if err != nil {
					writeError(w, http.StatusServiceUnavailable, "replay check unavailable")
					return
				}
				if !fresh {
					writeError(w, http.StatusUnauthorized, "request already processed")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
