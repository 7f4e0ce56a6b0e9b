package httpmw

import "net/http"

// MaxBody caps request bodies; the edge only serves GET and HEAD, so any
// sizeable body is noise. Reads past the limit fail and the server answers 413.
func MaxBody(bytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, bytes)
			next.ServeHTTP(w, r)
		})
	}
}
