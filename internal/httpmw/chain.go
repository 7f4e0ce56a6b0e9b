package httpmw

import "net/http"

// Chain wraps h so that mws[0] is outermost. Nil entries are skipped, which
// lets callers leave optional middleware unset.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// AssumeHTTPS marks every request as arriving over https. The local
// preview listens on plain http but should behave like a viewer on the
// https endpoint. It must run after ClientIP, which strips the header.
func AssumeHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Set("X-Forwarded-Proto", "https")
		next.ServeHTTP(w, r)
	})
}
