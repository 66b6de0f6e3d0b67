package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"vless-manager/internal/auth"
	"vless-manager/internal/store"
)

type ctxKey int

const ctxActor ctxKey = iota

func withAuth(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSON(w, http.StatusUnauthorized, Err("missing token"))
			return
		}

		tokenStr := authHeader
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenStr = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		}
		claims, err := auth.Parse(secret, tokenStr)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, Err("invalid token"))
			return
		}

		ctx := context.WithValue(r.Context(), ctxActor, claims.Actor)
		ctx = store.WithActor(ctx, claims.Actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromCtx(r *http.Request) string {
	if v, ok := r.Context().Value(ctxActor).(string); ok {
		return v
	}
	return ""
}

func withTimeout(next http.Handler, d time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
