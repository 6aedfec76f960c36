package server

import (
	"bytes"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/astromechza/wavesync/pkg/crdt"
	"github.com/astromechza/wavesync/pkg/viz"
)

// loadDoc hydrates and returns the cached store of the request's document, writing a 404
// when it has no content.
func (s *Server) loadDoc(writer http.ResponseWriter, request *http.Request) (*crdt.Store, bool) {
	docID := mux.Vars(request)["doc"]
	if err := s.cache.Hydrate(request.Context(), docID); err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return nil, false
	}
	store := s.cache.GetOrCreate(docID)
	if store.IsEmpty() {
		writer.WriteHeader(http.StatusNotFound)
		return nil, false
	}
	return store, true
}

func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	store, ok := s.loadDoc(writer, request)
	if !ok {
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(store.Encode()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) getGraph(writer http.ResponseWriter, request *http.Request) {
	store, ok := s.loadDoc(writer, request)
	if !ok {
		return
	}
	fork, err := store.Fork()
	if err != nil {
		s.logger.Error("failed to fork", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	var buff bytes.Buffer
	if err := viz.Render(fork, viz.ParsePath(request.URL.Query().Get("path")), &buff); err != nil {
		s.logger.Error("failed to render", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "image/svg+xml")
	if _, err := writer.Write(buff.Bytes()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}
