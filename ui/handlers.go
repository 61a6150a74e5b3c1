package ui

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"chinotype/domain/chi2"
	"chinotype/domain/cohort"
	"chinotype/internal/controller"
	"chinotype/internal/errors"
	"chinotype/internal/render"
	"chinotype/ports"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// viewState is the JSON form of a view, returned by every event handler
type viewState struct {
	View          string            `json:"view"`
	Tab           string            `json:"tab"`
	Phase         string            `json:"phase"`
	GoEnabled     bool              `json:"go_enabled"`
	FieldsEnabled bool              `json:"fields_enabled"`
	Fields        map[string]string `json:"fields"`
	Selections    [2]string         `json:"selections"`
	Output        template.HTML     `json:"output"`
	Stats         string            `json:"stats"`
	Notice        string            `json:"notice"`
	Options       []render.Option   `json:"options"`
	HasDownload   bool              `json:"has_download"`
	Targets       []targetState     `json:"targets"`
}

type targetState struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Label      string `json:"label"`
	CleanLabel string `json:"clean_label"`
	Background string `json:"background"`
}

type pageData struct {
	State      viewState
	Directions template.HTML
	Specify    string
	Results    string
}

// state snapshots v; the caller must not hold v.mu
func (v *View) state() viewState {
	v.mu.Lock()
	defer v.mu.Unlock()

	st := v.ctrl.State()
	out := viewState{
		View:          v.ID,
		Tab:           v.tab,
		Phase:         st.Phase.String(),
		GoEnabled:     st.GoEnabled,
		FieldsEnabled: st.FieldsEnabled,
		Fields:        st.Fields,
		Selections:    st.Selections,
		Output:        st.Output,
		Stats:         st.Stats,
		Notice:        st.Notice,
		Options:       st.Options,
		HasDownload:   st.HasDownload,
	}
	for _, t := range v.board.Targets() {
		out.Targets = append(out.Targets, targetState{
			ID:         t.ID(),
			Kind:       t.Kind().String(),
			Label:      t.Label(),
			CleanLabel: t.CleanLabel(),
			Background: t.Background(),
		})
	}
	return out
}

// fail maps an error onto a response
func (s *Server) fail(c *gin.Context, err error) {
	code := errors.GetCode(err)
	switch code {
	case errors.CodeValidationError, errors.CodeBusy:
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": errors.Message(err), "code": code})
	case errors.CodeNotFound:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errors.Message(err), "code": code})
	default:
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": code})
	}
}

// respond answers with the view state. With ?wait=1 it first waits for an
// outstanding backend reply.
func (s *Server) respond(c *gin.Context, v *View) {
	if c.Query("wait") == "1" {
		v.Wait()
	}
	c.JSON(http.StatusOK, v.state())
}

func (s *Server) handleIndex(c *gin.Context) {
	var v *View
	if id, err := c.Cookie(ViewCookie); err == nil {
		v, _ = s.views.Get(id)
	}
	if v == nil {
		v = s.views.Create(s.session)
		setViewCookie(c, v)
	}

	s.renderTemplate(c, "page.html", pageData{
		State:      v.state(),
		Directions: s.directions,
		Specify:    controller.TabSpecify,
		Results:    controller.TabResults,
	})
}

// handleLoad starts a fresh view, replacing the caller's current one.
// username and password, when posted, stand in for the host session.
func (s *Server) handleLoad(c *gin.Context) {
	var session ports.Session = s.session
	if user := c.PostForm("username"); user != "" {
		session = ports.StaticSession{Username: user, Secret: c.PostForm("password")}
	}
	if id, err := c.Cookie(ViewCookie); err == nil {
		s.views.Remove(id)
	}

	v := s.views.Create(session)
	setViewCookie(c, v)
	s.respond(c, v)
}

func (s *Server) handleUnload(c *gin.Context) {
	v := viewOf(c)
	_ = v.Do(func(_ context.Context, ctrl *controller.Controller) (<-chan chi2.Reply, error) {
		ctrl.Unload()
		return nil, nil
	})
	s.views.Remove(v.ID)
	c.SetCookie(ViewCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"unloaded": v.ID})
}

func (s *Server) handleDropTarget(c *gin.Context) {
	v := viewOf(c)
	id := c.Param("container")
	for _, t := range v.state().Targets {
		if t.ID == id {
			c.JSON(http.StatusOK, t)
			return
		}
	}
	s.fail(c, errors.NotFound("drop target "+id))
}

// handleDrop takes the JSON item list the host posts for a drop
func (s *Server) handleDrop(c *gin.Context) {
	v := viewOf(c)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	items, err := cohort.DecodeDrop(body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = v.Do(func(_ context.Context, _ *controller.Controller) (<-chan chi2.Reply, error) {
		_, err := v.board.Dispatch(c.Param("container"), items)
		return nil, err
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, v)
}

// handleFields records field edits posted as id=value pairs
func (s *Server) handleFields(c *gin.Context) {
	v := viewOf(c)
	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	keys := make([]string, 0, len(c.Request.PostForm))
	for k := range c.Request.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	err := v.Do(func(_ context.Context, ctrl *controller.Controller) (<-chan chi2.Reply, error) {
		for _, k := range keys {
			if err := ctrl.EditField(k, c.Request.PostForm.Get(k)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, v)
}

func (s *Server) handleTab(c *gin.Context) {
	v := viewOf(c)
	tab := c.PostForm("tab")
	err := v.Do(func(ctx context.Context, ctrl *controller.Controller) (<-chan chi2.Reply, error) {
		v.tab = tab
		return ctrl.TabChanged(ctx, tab)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, v)
}

func (s *Server) handleGo(c *gin.Context) {
	v := viewOf(c)
	if err := v.Do(func(ctx context.Context, ctrl *controller.Controller) (<-chan chi2.Reply, error) {
		return ctrl.Submit(ctx)
	}); err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, v)
}

func (s *Server) handleExport(c *gin.Context) {
	v := viewOf(c)
	if err := v.Do(func(ctx context.Context, ctrl *controller.Controller) (<-chan chi2.Reply, error) {
		return ctrl.Export(ctx)
	}); err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, v)
}

// handleEvents streams reply notifications for the caller's view
func (s *Server) handleEvents(c *gin.Context) {
	s.views.Events().Stream(c, viewOf(c).ID)
}

// handleResults renders the results area fragment
func (s *Server) handleResults(c *gin.Context) {
	s.renderTemplate(c, "results", viewOf(c).state())
}

func (v *View) pendingDownload() (*controller.Download, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ctrl.Download()
}

func (s *Server) handleDownloadCSV(c *gin.Context) {
	d, ok := viewOf(c).pendingDownload()
	if !ok {
		s.fail(c, errors.NotFound("chi2 export"))
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Filename()))
	c.Status(http.StatusOK)
	if err := d.WriteCSV(c.Writer); err != nil {
		s.log.Error().Err(err).Msg("failed to write csv export")
	}
}

func (s *Server) handleDownloadXLSX(c *gin.Context) {
	d, ok := viewOf(c).pendingDownload()
	if !ok {
		s.fail(c, errors.NotFound("chi2 export"))
		return
	}
	c.Header("Content-Type", xlsxContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.XLSXFilename()))
	c.Status(http.StatusOK)
	if err := d.WriteXLSX(c.Writer); err != nil {
		s.log.Error().Err(err).Msg("failed to write xlsx export")
	}
}
