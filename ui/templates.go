package ui

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
)

// renderTemplate executes a template with the given data
func (s *Server) renderTemplate(c *gin.Context, templateName string, data interface{}) {
	// Render to a buffer first so a template error never sends a half page
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, templateName, data); err != nil {
		s.log.Error().Err(err).Str("template", templateName).Msg("template error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Template rendering failed", "details": err.Error()})
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Writer.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(c.Writer); err != nil {
		s.log.Warn().Err(err).Msg("error writing template response")
	}
}
