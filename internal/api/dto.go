package api

// LayerInfo describes one quantized layer's configuration and the
// finalized scale layout it dispatches with.
type LayerInfo struct {
	Name          string `json:"name"`
	Strategy      string `json:"strategy"`
	LogicalWidths []int  `json:"logical_widths"`
	InputSize     int    `json:"input_size"`
	OutputSize    int    `json:"output_size"`
	StaticInput   bool   `json:"static_input"`
	ScaleCount    int    `json:"scale_count"`
}

// ModelResponse is the payload for GET /v1/model.
type ModelResponse struct {
	ID     string      `json:"id"`
	Path   string      `json:"path"`
	Layers []LayerInfo `json:"layers"`
}

// ProjectRequest runs one quantized projection over a row-major input
// matrix. Every row must have the layer's input size.
type ProjectRequest struct {
	Layer string      `json:"layer"`
	Input [][]float32 `json:"input"`
}

// ProjectResponse carries the dequantized projection output.
type ProjectResponse struct {
	ID     string      `json:"id"`
	Layer  string      `json:"layer"`
	Output [][]float32 `json:"output"`
	Rows   int         `json:"rows"`
	Cols   int         `json:"cols"`
}

// ResponseError is the error body shared by all endpoints.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
