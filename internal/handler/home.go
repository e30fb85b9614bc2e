package handler

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"

	"stream-forwarder/internal/config"
	"stream-forwarder/internal/middleware"
)

//go:embed instructions.html
var instructionsHTML string

var instructionsTmpl = template.Must(template.New("instructions").Parse(instructionsHTML))

// HomeHandler renders the usage page served when a request carries no target.
type HomeHandler struct {
	cfg *config.Config
}

// NewHomeHandler creates a HomeHandler.
func NewHomeHandler(cfg *config.Config) *HomeHandler {
	return &HomeHandler{cfg: cfg}
}

type instructionsData struct {
	Base       string
	PathMode   bool
	QueryMode  bool
	QueryParam string
}

// Render writes the instructions page with status 200.
func (h *HomeHandler) Render(c echo.Context) error {
	return middleware.SecurityHeaders()(h.render)(c)
}

func (h *HomeHandler) render(c echo.Context) error {
	mode := h.cfg.Target.Mode
	data := instructionsData{
		Base:       c.Scheme() + "://" + c.Request().Host,
		PathMode:   mode != config.ModeQuery,
		QueryMode:  mode != config.ModePath,
		QueryParam: h.cfg.Target.QueryParam,
	}

	var buf bytes.Buffer
	if err := instructionsTmpl.Execute(&buf, data); err != nil {
		return err
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}
