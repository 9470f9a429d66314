package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/zicotrace/zico/internal/chunk"
	"github.com/zicotrace/zico/internal/extract"
)

const defaultLimit = 100

// --- Chunks ---

func parseQuery(r *http.Request) chunk.Query {
	v := r.URL.Query()
	q := chunk.Query{
		Limit:          queryInt(r, "limit", defaultLimit),
		Offset:         queryInt(r, "offset", 0),
		MinDuration:    queryInt64(r, "min_duration", 0),
		Text:           v.Get("text"),
		SortByDuration: v.Get("sort") == "duration",
		AgentID:        v.Get("agent"),
		TraceID:        v.Get("trace"),
		ErrorsOnly:     queryBool(r, "errors"),
		SpansOnly:      queryBool(r, "spans"),
		TopLevelOnly:   queryBool(r, "top"),
		MinTstart:      queryInt64(r, "from", 0),
		MaxTstart:      queryInt64(r, "to", 0),
	}
	for key, vals := range v {
		if name, ok := strings.CutPrefix(key, "attr."); ok && name != "" && len(vals) > 0 {
			if q.Attrs == nil {
				q.Attrs = make(map[string]string)
			}
			q.Attrs[name] = vals[0]
		}
	}
	q.Normalize()
	return q
}

func (s *Server) handleSearchChunks(w http.ResponseWriter, r *http.Request) {
	q := parseQuery(r)
	chunks, err := s.store.Search(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chunks == nil {
		chunks = []*chunk.Chunk{}
	}
	writeJSON(w, map[string]interface{}{
		"chunks": chunks,
		"total":  s.store.Length(),
		"query":  q,
	})
}

func (s *Server) chunkFromPath(w http.ResponseWriter, r *http.Request) (*chunk.Chunk, bool) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk sequence number")
		return nil, false
	}
	c, err := s.store.Get(seq)
	if errors.Is(err, chunk.ErrNotFound) {
		writeError(w, http.StatusNotFound, "chunk not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return c, true
}

func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	c, ok := s.chunkFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, c)
}

// handleChunkTree renders a chunk together with its direct children.
func (s *Server) handleChunkTree(w http.ResponseWriter, r *http.Request) {
	root, ok := s.chunkFromPath(w, r)
	if !ok {
		return
	}
	chunks := []*chunk.Chunk{root}
	for _, seq := range root.Children {
		c, err := s.store.Get(seq)
		if errors.Is(err, chunk.ErrNotFound) {
			s.logger.Warn("child chunk missing", "seq", root.Seq, "child", seq)
			continue
		}
		if err != nil {
			s.logger.Error("failed to load child chunk", "seq", root.Seq, "child", seq, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		chunks = append(chunks, c)
	}

	res, err := extract.Extract(chunks)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, res)
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"sessions": s.sessions.List(),
		"total":    s.sessions.ActiveCount(),
	})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Terminate(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "terminated"})
}

// --- Symbols ---

func (s *Server) handleSymbolStats(w http.ResponseWriter, r *http.Request) {
	symbols, methods := s.registry.Size()
	writeJSON(w, map[string]int{
		"symbols": symbols,
		"methods": methods,
	})
}

func (s *Server) handleGetSymbol(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol id")
		return
	}
	name, ok := s.registry.Name(uint32(id))
	if !ok {
		writeError(w, http.StatusNotFound, "symbol not found")
		return
	}
	writeJSON(w, map[string]interface{}{"id": id, "name": name})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":   "ok",
		"chunks":   s.store.Length(),
		"sessions": s.sessions.ActiveCount(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func queryInt64(r *http.Request, key string, defaultVal int64) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultVal
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
