// Package auth identifies the caller of a mutating request.
//
// In signature mode every request carries the caller's ed25519 public key,
// a unix timestamp and a signature over
//
//	METHOD \n PATH \n TIMESTAMP \n BODY
//
// Requests outside the allowed clock skew are refused, which bounds how long
// a captured request can be replayed. In trusted mode the X-Caller header is
// taken at face value; use it only behind a gateway that authenticates
// callers itself.
package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/atmx/marketd/internal/model"
)

const (
	HeaderCaller    = "X-Caller"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	ModeSignature = "signature"
	ModeTrusted   = "trusted"

	maxBodyBytes = 1 << 20
)

type ctxKey struct{}

// WithCaller returns a context carrying the authenticated caller.
func WithCaller(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CallerFrom returns the caller stored by the middleware.
func CallerFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(model.Identity)
	return id, ok
}

// Authenticator verifies request identities.
type Authenticator struct {
	mode    string
	maxSkew time.Duration
	now     func() time.Time
}

// New creates an Authenticator. Unknown modes fall back to signature.
func New(mode string, maxSkew time.Duration) *Authenticator {
	if mode != ModeTrusted {
		mode = ModeSignature
	}
	return &Authenticator{mode: mode, maxSkew: maxSkew, now: time.Now}
}

// Message builds the byte string a caller signs.
func Message(method, path string, timestamp int64, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte('\n')
	buf.WriteString(path)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatInt(timestamp, 10))
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

// Sign produces the hex X-Signature value for a request.
func Sign(priv ed25519.PrivateKey, method, path string, timestamp int64, body []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, Message(method, path, timestamp, body)))
}

// Middleware rejects unauthenticated requests with 401 and stores the
// caller in the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := model.ParseIdentity(r.Header.Get(HeaderCaller))
		if err != nil {
			writeUnauthorized(w, "missing or malformed "+HeaderCaller)
			return
		}

		if a.mode == ModeSignature {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if reason := a.verify(r, caller, body); reason != "" {
				slog.Debug("request signature rejected", "caller", caller.Short(), "path", r.URL.Path, "reason", reason)
				writeUnauthorized(w, reason)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// verify returns an empty string when the request is authentic.
func (a *Authenticator) verify(r *http.Request, caller model.Identity, body []byte) string {
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return "missing or malformed " + HeaderTimestamp
	}
	skew := a.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return "timestamp outside allowed skew"
	}

	sig, err := hex.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "missing or malformed " + HeaderSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(caller[:]), Message(r.Method, r.URL.Path, ts, body), sig) {
		return "invalid signature"
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "Unauthenticated"})
}
