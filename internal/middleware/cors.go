package middleware

import "net/http"

// CORSMiddleware answers cross-origin requests from the operations UI. With
// no configured origins every origin is reflected; otherwise only the listed
// ones (or "*") are.
type CORSMiddleware struct {
	origins map[string]struct{}
}

// NewCORSMiddleware creates CORS middleware for the given allowed origins.
// An empty list allows any origin.
func NewCORSMiddleware(allowedOrigins ...string) *CORSMiddleware {
	c := &CORSMiddleware{}
	if len(allowedOrigins) > 0 {
		c.origins = make(map[string]struct{}, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			c.origins[origin] = struct{}{}
		}
	}
	return c
}

// Wrap adds the CORS headers and short-circuits preflight requests.
func (c *CORSMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && c.allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (c *CORSMiddleware) allowed(origin string) bool {
	if c.origins == nil {
		return true
	}
	if _, ok := c.origins[origin]; ok {
		return true
	}
	_, ok := c.origins["*"]
	return ok
}
