package app

import (
	"net/http"

	"github.com/go-chi/cors"
)

// corsOptions is the cross-origin policy applied to every route.
var corsOptions = cors.Options{
	AllowedOrigins:     []string{"*"},
	AllowedMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-Session-Id"},
	ExposedHeaders:     []string{"Content-Type"},
	MaxAge:             86400,
	OptionsPassthrough: true,
}

// CORS wraps next with a permissive cross-origin policy. OPTIONS requests
// are answered with 204 after the policy headers are written and never
// reach next.
func CORS(next http.Handler) http.Handler {
	return cors.Handler(corsOptions)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	}))
}
