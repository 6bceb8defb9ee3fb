package middleware

import (
	"crypto/subtle"

	"github.com/valyala/fasthttp"

	"sitepulse/internal/config"
)

// DashboardAuth gates the summary API and the embedded dashboard behind a
// static shared key when APP_DASHBOARD_KEY is set. The key is accepted as
// an X-Dashboard-Key header or a "key" query argument. With no key
// configured the middleware passes everything through.
func DashboardAuth(cfg *config.Config) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		if cfg.DashboardKey == "" {
			return next
		}
		return func(ctx *fasthttp.RequestCtx) {
			key := string(ctx.Request.Header.Peek("X-Dashboard-Key"))
			if key == "" {
				key = string(ctx.QueryArgs().Peek("key"))
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.DashboardKey)) != 1 {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("unauthorized")
				return
			}
			next(ctx)
		}
	}
}
