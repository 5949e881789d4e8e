package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/progress"
)

func (s *Server) handleListVersions(c *gin.Context) {
	slug := c.Param("slug")
	t, err := s.store.LoadTitle(c.Request.Context(), slug)
	if err != nil {
		s.fail(c, err)
		return
	}
	versions := make([]*models.Version, 0, len(t.VersionOrder))
	for _, name := range t.VersionOrder {
		v, err := s.store.LoadVersion(c.Request.Context(), slug, name)
		if err != nil {
			s.fail(c, err)
			return
		}
		versions = append(versions, v)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "versions": versions})
}

func (s *Server) handleGetVersion(c *gin.Context) {
	v, err := s.store.LoadVersion(c.Request.Context(), c.Param("slug"), c.Param("version"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleCreateVersion(c *gin.Context) {
	var v models.Version
	if err := c.ShouldBindJSON(&v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	v.Title = c.Param("slug")
	actor := s.actor(c)

	s.runAsync(c, "version-create-"+v.Title+"-"+v.Version, func(ctx context.Context, tracker *progress.Tracker) error {
		return s.manager.CreateVersion(ctx, actor, &v, tracker)
	})
}

func (s *Server) handleUpdateVersion(c *gin.Context) {
	var v models.Version
	if err := c.ShouldBindJSON(&v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	v.Title = c.Param("slug")
	v.Version = c.Param("version")
	actor := s.actor(c)

	s.runAsync(c, "version-update-"+v.Title+"-"+v.Version, func(ctx context.Context, tracker *progress.Tracker) error {
		return s.manager.UpdateVersion(ctx, actor, &v, tracker)
	})
}

type deployRequest struct {
	Computers []string `json:"computers"`
}

func (s *Server) handleDeployVersion(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if len(req.Computers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "computers is required"})
		return
	}
	if err := s.manager.DeployVersion(c.Request.Context(), s.actor(c), c.Param("slug"), c.Param("version"), req.Computers); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDeleteVersion(c *gin.Context) {
	slug := c.Param("slug")
	version := c.Param("version")
	actor := s.actor(c)

	s.runAsync(c, "version-delete-"+slug+"-"+version, func(ctx context.Context, tracker *progress.Tracker) error {
		return s.manager.DeleteVersion(ctx, actor, slug, version, tracker)
	})
}
