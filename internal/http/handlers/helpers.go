package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/valyala/fasthttp"
)

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		log.Printf("%s %s -> %d (%s) ip=%s", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start), ctx.RemoteAddr())
	}
}

func jsonResponse(ctx *fasthttp.RequestCtx, data map[string]any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(data)
	ctx.SetBody(body)
}

// okResponse writes the {ok:true} success envelope.
func okResponse(ctx *fasthttp.RequestCtx) {
	jsonResponse(ctx, map[string]any{"ok": true})
}

// failResponse writes the {ok:false,error} envelope with the given status.
func failResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	jsonResponse(ctx, map[string]any{"ok": false, "error": msg})
}

// clientIP derives the caller address: the first entry of a comma-separated
// X-Forwarded-For chain takes precedence, then X-Real-IP, then the socket
// peer address.
func clientIP(ctx *fasthttp.RequestCtx) string {
	if fwd := string(ctx.Request.Header.Peek("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if real := string(ctx.Request.Header.Peek("X-Real-IP")); real != "" {
		return strings.TrimSpace(real)
	}
	addr := ctx.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// hashIP returns the salted one-way hash stored in place of the raw
// address: SHA256(salt + ":" + addr), hex-encoded.
func hashIP(salt, addr string) string {
	sum := sha256.Sum256([]byte(salt + ":" + addr))
	return hex.EncodeToString(sum[:])
}

// sanitize trims surrounding whitespace and caps the value at max
// characters. The cap counts runes, not bytes, so a multi-byte character
// straddling the limit is never split into invalid UTF-8 (which Postgres
// would reject on insert). Free-text fields are never stored untruncated.
func sanitize(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
