package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/multitenancy"
)

// TenantMiddleware ensures a valid tenant context exists for the request
func TenantMiddleware(tm *multitenancy.TenantManager, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var principal *multitenancy.Principal

		// 1. Check Authorization Header (API Key). EventSource clients
		// cannot set headers, so the key may also arrive as ?token=.
		apiKey := ""
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer lo_") {
			apiKey = strings.TrimPrefix(authHeader, "Bearer ")
		} else if tok := r.URL.Query().Get("token"); strings.HasPrefix(tok, "lo_") {
			apiKey = tok
		}
		if apiKey != "" {
			p, err := tm.ValidateAPIKey(ctx, apiKey)
			if err != nil {
				http.Error(w, "Invalid API Key", http.StatusUnauthorized)
				return
			}
			principal = p
		}

		// 2. Check X-Tenant-ID / X-User-ID Headers (Trusted/Internal/Dev)
		// This acts as a fallback when no API key is present, and should be
		// behind a firewall or gateway in production.
		if principal == nil {
			reqTenantID := r.Header.Get("X-Tenant-ID")
			if reqTenantID != "" {
				tenantID, err := uuid.Parse(reqTenantID)
				if err != nil {
					http.Error(w, "Invalid Tenant ID", http.StatusUnauthorized)
					return
				}
				if _, err := tm.LoadTenant(ctx, tenantID); err != nil {
					http.Error(w, "Invalid Tenant ID", http.StatusUnauthorized)
					return
				}
				userID, _ := uuid.Parse(r.Header.Get("X-User-ID"))
				principal = &multitenancy.Principal{TenantID: tenantID, UserID: userID}
			}
		}

		// 3. Enforce Tenant Context
		if principal == nil {
			http.Error(w, "Missing Tenant Context (API Key or X-Tenant-ID)", http.StatusUnauthorized)
			return
		}

		// 4. Inject into Context
		ctx = multitenancy.WithPrincipal(ctx, *principal)
		next(w, r.WithContext(ctx))
	}
}
