package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/progress"
)

// handleUploadIcon receives a self-service icon as multipart form data and
// applies it to the title.
func (s *Server) handleUploadIcon(c *gin.Context) {
	slug := c.PostForm("title")
	if !models.ValidSlug(slug) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "valid title is required"})
		return
	}

	header, err := c.FormFile("icon")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "icon file is required"})
		return
	}
	if header.Size > s.cfg.Server.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"status": "error", "error": "icon too large"})
		return
	}

	f, err := header.Open()
	if err != nil {
		s.fail(c, err)
		return
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, s.cfg.Server.MaxUploadBytes))
	if err != nil {
		s.fail(c, err)
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".png"
	}
	if err := s.manager.SetIcon(c.Request.Context(), s.actor(c), slug, ext, data); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUploadPackage spools an installer upload to disk. The signing and
// distribution-point transfer runs out of band against the spool directory.
func (s *Server) handleUploadPackage(c *gin.Context) {
	slug := c.PostForm("title")
	version := c.PostForm("version")
	if !models.ValidSlug(slug) || !models.ValidVersion(version) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "valid title and version are required"})
		return
	}

	header, err := c.FormFile("pkg")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "pkg file is required"})
		return
	}
	if header.Size > s.cfg.Server.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"status": "error", "error": "package too large"})
		return
	}

	spool := filepath.Join(s.cfg.Store.Root, "uploads")
	if err := os.MkdirAll(spool, 0o755); err != nil {
		s.fail(c, err)
		return
	}
	dest := filepath.Join(spool, models.ObjectPrefix+slug+"-"+version+".pkg")
	if err := c.SaveUploadedFile(header, dest); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "spooled": filepath.Base(dest)})
}

// handleProgressStream tails a progress file to the client line by line,
// closing at the completion sentinel. It never takes entity locks, so it is
// exempt from the shutdown gate.
func (s *Server) handleProgressStream(c *gin.Context) {
	name, err := progress.SafeFileName(c.Query("stream_file"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	path := filepath.Join(s.progressDir, name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "unknown stream file"})
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := progress.Tail(c.Request.Context(), path, c.Writer, c.Writer); err != nil {
		// The response is already streaming; all we can do is log.
		s.logger.Warn("progress stream ended early", zap.String("stream_file", name), zap.Error(err))
	}
}
