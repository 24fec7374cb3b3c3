package wecom

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/wkin-t/dingtalk-ai-bot/internal/envelope"
)

const maxCallbackBody = 1 << 20

// ServeHTTP handles the callback URL: GET is the ownership check, POST
// carries encrypted events. Replies go back as encrypted JSON envelopes.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.limiter != nil && !a.limiter.Allow(clientIP(r)) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	q := r.URL.Query()
	sig, ts, nonce := q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce")

	switch r.Method {
	case http.MethodGet:
		plain, err := a.codec.VerifyURL(sig, ts, nonce, q.Get("echostr"))
		if err != nil {
			slog.Warn("wecom: url verification failed", "error", err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(plain)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		plain, err := a.codec.Decrypt(sig, ts, nonce, body)
		if err != nil {
			slog.Warn("wecom: rejected callback", "error", err, "remote", clientIP(r))
			http.Error(w, http.StatusText(cryptoStatus(err)), cryptoStatus(err))
			return
		}
		reply := a.handle(r.Context(), plain)
		if reply == nil {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			io.WriteString(w, "success")
			return
		}
		env, err := a.codec.Encrypt(reply, ts, nonce)
		if err != nil {
			slog.Error("wecom: encrypt reply", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(env)

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// cryptoStatus maps envelope failures to a rejection status. Forged or
// replayed requests are unauthorized; anything else is forbidden.
func cryptoStatus(err error) int {
	switch {
	case errors.Is(err, envelope.ErrSignature), errors.Is(err, envelope.ErrTimestamp):
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
