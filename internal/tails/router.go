package tails

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

// Handler returns an http.Handler implementing the tails file API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /match/{substring}", func(w http.ResponseWriter, r *http.Request) {
		s.handleMatchFiles(w, r, r.PathValue("substring"))
	})

	mux.HandleFunc("PUT /{revRegID}", func(w http.ResponseWriter, r *http.Request) {
		s.handlePutFile(w, r, r.PathValue("revRegID"))
	})

	mux.HandleFunc("GET /{revRegID}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGetFile(w, r, r.PathValue("revRegID"))
	})

	// Downloads can be large; gzhttp compresses transparently for clients
	// that accept it, matching the compressed chunked responses of the
	// retrieval contract.
	return LogRequest(Recoverer(SlashFix(gzhttp.GzipHandler(mux))))
}
