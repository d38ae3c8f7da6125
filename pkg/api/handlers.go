package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/a6ar55/file-sync/pkg/clock"
	"github.com/a6ar55/file-sync/pkg/delta"
	"github.com/a6ar55/file-sync/pkg/errs"
)

type registerRequest struct {
	NodeID       string   `json:"node_id" binding:"required"`
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	n, vc, err := s.coord.RegisterNode(c.Request.Context(), req.NodeID, req.Name, req.Address, req.Port, req.Capabilities)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"status":       "success",
		"node":         n,
		"vector_clock": vc,
	})
}

func (s *Server) handleListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.coord.Nodes()})
}

func (s *Server) handleGetNode(c *gin.Context) {
	n, err := s.coord.Node(c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) handleRemoveNode(c *gin.Context) {
	n, err := s.coord.RemoveNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "node": n})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	n, err := s.coord.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "node": n})
}

func (s *Server) handleListFiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"files": s.coord.Files()})
}

func (s *Server) handleGetFile(c *gin.Context) {
	heads, err := s.coord.Head(c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"file_id":    c.Param("id"),
		"heads":      heads,
		"conflicted": len(heads) > 1,
	})
}

func (s *Server) handleFileChunks(c *gin.Context) {
	heads, err := s.coord.Head(c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	if len(heads) == 0 {
		s.abortError(c, errs.New(errs.NotFound, "api", "file %s has no versions", c.Param("id")))
		return
	}
	head := heads[len(heads)-1]
	c.JSON(http.StatusOK, gin.H{
		"file_id":          head.FileID,
		"version_id":       head.VersionID,
		"chunk_size":       s.coord.ChunkSize(),
		"signature":        head.Chunks,
		"signature_digest": delta.SignatureDigest(head.Chunks),
	})
}

type uploadRequest struct {
	FileID      string            `json:"file_id"`
	Path        string            `json:"path"`
	NodeID      string            `json:"node_id" binding:"required"`
	Content     []byte            `json:"content"`
	VectorClock clock.VectorClock `json:"vector_clock,omitempty"`
}

func (s *Server) handleUpload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.coord.Upload(c.Request.Context(), req.FileID, req.Path, req.NodeID, req.Content, req.VectorClock)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type deltaRequest struct {
	NodeID        string      `json:"node_id" binding:"required"`
	BaseVersionID string      `json:"base_version_id" binding:"required"`
	Delta         delta.Delta `json:"delta"`
}

func (s *Server) handleSubmitDelta(c *gin.Context) {
	var req deltaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.coord.SubmitDelta(c.Request.Context(), c.Param("id"), req.BaseVersionID, req.NodeID, req.Delta)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleHistory(c *gin.Context) {
	history, err := s.coord.History(c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file_id": c.Param("id"), "versions": history})
}

type restoreRequest struct {
	VersionID string `json:"version_id" binding:"required"`
	NodeID    string `json:"node_id" binding:"required"`
}

func (s *Server) handleRestore(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.coord.Restore(c.Request.Context(), c.Param("id"), req.VersionID, req.NodeID)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleContent(c *gin.Context) {
	fileID := c.Param("id")
	if versionID := c.Query("version_id"); versionID != "" {
		content, err := s.coord.ContentOf(fileID, versionID)
		if err != nil {
			s.abortError(c, err)
			return
		}
		c.Header("X-Version-Id", versionID)
		c.Data(http.StatusOK, "application/octet-stream", content)
		return
	}

	content, head, err := s.coord.Content(fileID)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.Header("X-Version-Id", head.VersionID)
	c.Data(http.StatusOK, "application/octet-stream", content)
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	origin := c.Query("node_id")
	if err := s.coord.DeleteFile(c.Request.Context(), c.Param("id"), origin); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "file_id": c.Param("id")})
}

func (s *Server) handleReplicate(c *gin.Context) {
	ids, err := s.coord.Replicate(c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_ids": ids})
}

func (s *Server) handleListConflicts(c *gin.Context) {
	all := c.Query("all") == "true"
	c.JSON(http.StatusOK, gin.H{"conflicts": s.coord.Conflicts(!all)})
}

type resolveRequest struct {
	WinnerVersionID string `json:"winner_version_id" binding:"required"`
	ResolvedBy      string `json:"resolved_by"`
}

func (s *Server) handleResolveConflict(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, resolved, err := s.coord.ResolveConflict(c.Request.Context(), c.Param("id"), req.WinnerVersionID, req.ResolvedBy)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"conflict":    resolved,
		"version":     res.Version,
		"session_ids": res.Sessions,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.coord.Sessions()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.coord.Session(c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		return 50
	}
	return limit
}

func (s *Server) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.coord.Events(limitParam(c))})
}

func (s *Server) handleCausalOrder(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.coord.CausalEvents(limitParam(c))})
}

func (s *Server) handleVectorClocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clocks": s.coord.VectorClocks()})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Metrics())
}

func (s *Server) handleDeltaMetrics(c *gin.Context) {
	m := s.coord.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"chunk_size":  s.coord.ChunkSize(),
		"chunk_store": m.ChunkStore,
		"sync":        m.Sync,
	})
}
