package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/astromechza/wavesync/pkg/crdt"
	"github.com/astromechza/wavesync/pkg/persist"
)

func (s *Server) storeError(writer http.ResponseWriter, op string, err error) {
	if errors.Is(err, persist.ErrNotFound) {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	s.logger.Error("failed to "+op, "err", err)
	http.Error(writer, err.Error(), http.StatusInternalServerError)
}

func (s *Server) getSnapshot(writer http.ResponseWriter, request *http.Request) {
	snap, err := s.bridge.GetSnapshot(request.Context(), mux.Vars(request)["doc"])
	if err != nil {
		s.storeError(writer, "get snapshot", err)
		return
	}
	writeJSON(writer, http.StatusOK, snap)
}

func (s *Server) putSnapshot(writer http.ResponseWriter, request *http.Request) {
	var in persist.Snapshot
	if err := json.NewDecoder(request.Body).Decode(&in); err != nil {
		http.Error(writer, "invalid snapshot body", http.StatusBadRequest)
		return
	}
	if _, err := base64.StdEncoding.DecodeString(in.SnapshotBase64); err != nil {
		http.Error(writer, "snapshotBase64 is not base64", http.StatusBadRequest)
		return
	}
	if err := s.bridge.PutSnapshot(request.Context(), mux.Vars(request)["doc"], in.SnapshotBase64); err != nil {
		s.storeError(writer, "put snapshot", err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) appendUpdate(writer http.ResponseWriter, request *http.Request) {
	var in persist.Update
	if err := json.NewDecoder(request.Body).Decode(&in); err != nil || in.Seq < 1 {
		http.Error(writer, "invalid update body", http.StatusBadRequest)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(in.UpdateBase64)
	if err != nil || in.UpdateBase64 == "" {
		http.Error(writer, "updateBase64 is not base64", http.StatusBadRequest)
		return
	}
	// a stored update that cannot be applied would fail every later hydration and flush
	if err := crdt.New().Apply(raw, crdt.OriginStorage); err != nil {
		http.Error(writer, "updateBase64 is not a document update", http.StatusBadRequest)
		return
	}
	docID := mux.Vars(request)["doc"]
	if err := s.bridge.AppendUpdate(request.Context(), docID, in); err != nil {
		s.storeError(writer, "append update", err)
		return
	}
	// a resident document merges it now; its next flush folds it into the snapshot
	if _, ok := s.cache.Lookup(docID); ok {
		if err := s.cache.ApplyUpdate(docID, raw, crdt.OriginStorage); err != nil {
			s.logger.Warn("failed to apply stored update to cached doc", "doc", docID, "err", err)
		}
	}
	writer.WriteHeader(http.StatusNoContent)
}

func seqParam(request *http.Request, name string) (int64, bool) {
	raw := request.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	return v, err == nil && v >= 0
}

func (s *Server) listUpdates(writer http.ResponseWriter, request *http.Request) {
	from, ok := seqParam(request, "from")
	if !ok {
		http.Error(writer, "invalid from", http.StatusBadRequest)
		return
	}
	updates, err := s.bridge.Updates(request.Context(), mux.Vars(request)["doc"], from)
	if err != nil {
		s.storeError(writer, "list updates", err)
		return
	}
	if updates == nil {
		updates = []persist.Update{}
	}
	writeJSON(writer, http.StatusOK, updates)
}

func (s *Server) trimUpdates(writer http.ResponseWriter, request *http.Request) {
	through, ok := seqParam(request, "through")
	if !ok || request.URL.Query().Get("through") == "" {
		http.Error(writer, "invalid through", http.StatusBadRequest)
		return
	}
	if err := s.bridge.TrimUpdates(request.Context(), mux.Vars(request)["doc"], through); err != nil {
		s.storeError(writer, "trim updates", err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) rebuild(writer http.ResponseWriter, request *http.Request) {
	docID := mux.Vars(request)["doc"]
	if err := persist.Rebuild(request.Context(), s.bridge, docID); err != nil {
		s.storeError(writer, "rebuild", err)
		return
	}
	s.logger.Info("rebuilt", "doc", docID)
	writer.WriteHeader(http.StatusNoContent)
}
