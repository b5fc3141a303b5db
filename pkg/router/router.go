package router

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

type route struct {
	method  string
	pattern string
	handler HandlerFunc
}

// Router matches METHOD + path. Exact paths win; wildcard patterns ("*"
// matches one segment, a trailing "*" matches the rest) are tried in
// registration order, so register specific patterns first.
type Router struct {
	mux      *http.ServeMux
	routes   map[string]HandlerFunc // key = METHOD:PATH
	paths    map[string]bool        // track registered paths
	wildcard []route
	logger   *log.Logger
}

func New(logger *log.Logger) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		routes: make(map[string]HandlerFunc),
		paths:  make(map[string]bool),
		logger: logger,
	}
	r.mux.HandleFunc("/", r.dispatch)
	return r
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	if h := r.lookup(req.Method, req.URL.Path); h != nil {
		h(lrw, req)
	} else if r.pathKnown(req.URL.Path) {
		http.Error(lrw, "Method Not Allowed", http.StatusMethodNotAllowed)
	} else {
		http.Error(lrw, "Not Found", http.StatusNotFound)
	}

	if r.logger != nil {
		r.logger.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", lrw.statusCode,
			"duration", time.Since(start),
		)
	}
}

func (r *Router) lookup(method, path string) HandlerFunc {
	if h, ok := r.routes[method+":"+path]; ok {
		return h
	}
	for _, rt := range r.wildcard {
		if rt.method == method && matchWildcardRoute(path, rt.pattern) {
			return rt.handler
		}
	}
	return nil
}

func (r *Router) pathKnown(path string) bool {
	if r.paths[path] {
		return true
	}
	for _, rt := range r.wildcard {
		if matchWildcardRoute(path, rt.pattern) {
			return true
		}
	}
	return false
}

// matchWildcardRoute checks if a request path matches a wildcard route pattern
func matchWildcardRoute(requestPath, routePattern string) bool {
	requestSegments := strings.Split(strings.Trim(requestPath, "/"), "/")
	routeSegments := strings.Split(strings.Trim(routePattern, "/"), "/")

	// trailing wildcard matches one or more remaining segments
	if last := len(routeSegments) - 1; routeSegments[last] == "*" {
		if len(requestSegments) < len(routeSegments) {
			return false
		}
		for i := 0; i < last; i++ {
			if routeSegments[i] != "*" && requestSegments[i] != routeSegments[i] {
				return false
			}
		}
		return requestSegments[last] != ""
	}

	if len(requestSegments) != len(routeSegments) {
		return false
	}
	for i, routeSegment := range routeSegments {
		if routeSegment == "*" {
			if requestSegments[i] == "" {
				return false
			}
			continue
		}
		if requestSegments[i] != routeSegment {
			return false
		}
	}
	return true
}

// --- Register paths ---
func (r *Router) register(method, path string, handler HandlerFunc) {
	if strings.Contains(path, "*") {
		r.wildcard = append(r.wildcard, route{method: method, pattern: path, handler: handler})
		return
	}
	r.routes[method+":"+path] = handler
	r.paths[path] = true
}

func (r *Router) GET(path string, handler HandlerFunc)  { r.register(http.MethodGet, path, handler) }
func (r *Router) POST(path string, handler HandlerFunc) { r.register(http.MethodPost, path, handler) }

// Mount hands every request under prefix to h, bypassing method routing.
// Used for the Swagger UI and the metrics endpoint.
func (r *Router) Mount(prefix string, h http.Handler) {
	r.mux.Handle(prefix, h)
}

func (r *Router) Handler() http.Handler {
	return r.mux
}

// --- Start server ---

// Start serves until ctx is cancelled, then shuts down gracefully.
func (r *Router) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if r.logger != nil {
			r.logger.Info("🚀 Server started", "addr", addr)
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// --- Logging response writer to capture status codes ---
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
