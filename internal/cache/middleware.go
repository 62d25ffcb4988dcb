package cache

import (
	"bytes"
	"net/http"
	"time"
)

// StatusHeader tells clients whether a response came from the cache.
const StatusHeader = "X-Sship-Cache"

// Middleware serves successful GET responses of the wrapped handler from
// storage for ttl. Responses are keyed by path, so query strings do not
// fragment the cache.
func Middleware(storage Storage, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			key := r.URL.Path
			if content := storage.Get(key); content != nil {
				if contentType := storage.Get(key + "#content-type"); contentType != nil {
					w.Header().Set("Content-Type", string(contentType))
				}
				w.Header().Set(StatusHeader, "hit")
				_, _ = w.Write(content)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			w.Header().Set(StatusHeader, "miss")
			next.ServeHTTP(rec, r)
			if rec.status != http.StatusOK || rec.body.Len() == 0 {
				return
			}
			storage.Set(key, rec.body.Bytes(), ttl)
			if contentType := w.Header().Get("Content-Type"); contentType != "" {
				storage.Set(key+"#content-type", []byte(contentType), ttl)
			}
		})
	}
}

// recorder passes a response through while keeping a copy of its body.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
