// Package api exposes a loaded quantized model over HTTP: layer
// metadata for tooling and a projection endpoint that runs the
// quantized kernel on caller-supplied activations.
package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/tensor"
)

type Server struct {
	model *model.Model
	id    string
}

func NewServer(m *model.Model) *Server {
	return &Server{
		model: m,
		id:    "model-" + uuid.NewString(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/project", s.handleProject)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c *echo.Context) error {
	resp := ModelResponse{
		ID:   s.id,
		Path: s.model.Path,
	}
	for _, name := range s.model.Names() {
		layer, _ := s.model.Layer(name)
		resp.Layers = append(resp.Layers, LayerInfo{
			Name:          name,
			Strategy:      layer.Strategy().String(),
			LogicalWidths: layer.LogicalWidths(),
			InputSize:     layer.InputSize(),
			OutputSize:    layer.OutputSize(),
			StaticInput:   layer.StaticInput(),
			ScaleCount:    len(layer.WeightScale()),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleProject(c *echo.Context) error {
	req, err := decodeJSON[ProjectRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Layer == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "layer is required", "layer", "")
	}
	layer, ok := s.model.Layer(req.Layer)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("layer %q not found", req.Layer))
	}
	if len(req.Input) == 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "input must have at least one row", "input", "")
	}
	x := tensor.NewMat(len(req.Input), layer.InputSize())
	for i, row := range req.Input {
		if len(row) != layer.InputSize() {
			msg := fmt.Sprintf("input row %d has %d values, layer takes %d", i, len(row), layer.InputSize())
			return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "input", "")
		}
		copy(x.Row(i), row)
	}

	out, err := layer.Forward(x)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	rows := make([][]float32, out.R)
	for i := range rows {
		rows[i] = out.Row(i)
	}
	return c.JSON(http.StatusOK, ProjectResponse{
		ID:     "proj-" + uuid.NewString(),
		Layer:  req.Layer,
		Output: rows,
		Rows:   out.R,
		Cols:   out.C,
	})
}
