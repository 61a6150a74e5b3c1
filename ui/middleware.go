package ui

import (
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"

	"chinotype/ui/middleware"
)

// ViewCookie carries the id of the caller's plugin view
const ViewCookie = "chi2_view"

const viewKey = "chi2.view"

// setupMiddleware configures Gin middleware
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestLogger(s.log))

	staticFS, err := fs.Sub(embeddedFiles, "static")
	if err != nil {
		s.log.Error().Err(err).Msg("static filesystem unavailable")
		return
	}
	s.router.StaticFS("/static", http.FS(staticFS))
}

// requireView loads the caller's view or answers 404
func (s *Server) requireView() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(ViewCookie)
		if err != nil {
			id = c.GetHeader("X-Chi2-View")
		}
		v, ok := s.views.Get(id)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no chi2 view loaded"})
			return
		}
		c.Set(viewKey, v)
		c.Next()
	}
}

func viewOf(c *gin.Context) *View {
	return c.MustGet(viewKey).(*View)
}

func setViewCookie(c *gin.Context, v *View) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(ViewCookie, v.ID, 0, "/", "", false, true)
}
