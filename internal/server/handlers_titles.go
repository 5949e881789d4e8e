package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/progress"
)

func (s *Server) handleListTitles(c *gin.Context) {
	slugs, err := s.store.ListTitles(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "titles": slugs})
}

func (s *Server) handleGetTitle(c *gin.Context) {
	t, err := s.store.LoadTitle(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCreateTitle(c *gin.Context) {
	var t models.Title
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	actor := s.actor(c)

	// Validation errors surface on the request, not the stream.
	if err := t.Validate(); err != nil {
		s.fail(c, err)
		return
	}

	s.runAsync(c, "title-create-"+t.Name, func(ctx context.Context, tracker *progress.Tracker) error {
		return s.manager.CreateTitle(ctx, actor, &t, tracker)
	})
}

func (s *Server) handleUpdateTitle(c *gin.Context) {
	var t models.Title
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	t.Name = c.Param("slug")
	actor := s.actor(c)

	s.runAsync(c, "title-update-"+t.Name, func(ctx context.Context, tracker *progress.Tracker) error {
		return s.manager.UpdateTitle(ctx, actor, &t, tracker)
	})
}

func (s *Server) handleDeleteTitle(c *gin.Context) {
	slug := c.Param("slug")
	actor := s.actor(c)

	// A missing title is a request error, not a stream error.
	if exists, err := s.store.TitleExists(c.Request.Context(), slug); err != nil {
		s.fail(c, err)
		return
	} else if !exists {
		s.fail(c, storeTitleNotFound(slug))
		return
	}

	s.runAsync(c, "title-delete-"+slug, func(ctx context.Context, tracker *progress.Tracker) error {
		return s.manager.DeleteTitle(ctx, actor, slug, tracker)
	})
}

func (s *Server) handleChangelog(c *gin.Context) {
	entries, err := s.changelog.Read(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "changelog": entries})
}

type releaseRequest struct {
	Version string `json:"version" binding:"required"`
}

func (s *Server) handleRelease(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "version is required"})
		return
	}
	slug := c.Param("slug")
	actor := s.actor(c)

	s.runAsync(c, "release-"+slug+"-"+req.Version, func(ctx context.Context, tracker *progress.Tracker) error {
		return s.manager.Release(ctx, actor, slug, req.Version, tracker)
	})
}

type freezeRequest struct {
	Computers []string `json:"computers"`
}

func (s *Server) handleFreeze(c *gin.Context) {
	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if len(req.Computers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "computers is required"})
		return
	}
	if err := s.manager.FreezeTitle(c.Request.Context(), s.actor(c), c.Param("slug"), req.Computers); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleThaw(c *gin.Context) {
	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	// An empty computer list thaws everything.
	if err := s.manager.ThawTitle(c.Request.Context(), s.actor(c), c.Param("slug"), req.Computers); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRepair(c *gin.Context) {
	slug := c.Param("slug")
	actor := s.actor(c)

	s.runAsync(c, "title-repair-"+slug, func(ctx context.Context, tracker *progress.Tracker) error {
		return s.manager.RepairTitle(ctx, actor, slug, tracker)
	})
}
