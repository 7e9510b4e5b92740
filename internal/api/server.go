// Package api serves coefficient derivation and plan compilation over HTTP.
package api

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qdqpack/internal/compiler"
	"github.com/samcharles93/qdqpack/internal/logger"
	"github.com/samcharles93/qdqpack/internal/version"
	"github.com/samcharles93/qdqpack/pkg/layout"
	"github.com/samcharles93/qdqpack/pkg/requant"
)

// Config controls what a Server may touch.
type Config struct {
	// WeightsRoot confines compile requests; empty disables /v1/compile.
	WeightsRoot   string
	Jobs          int
	LayoutVersion layout.Version
	Logger        logger.Logger
}

type Server struct {
	cfg   Config
	store *CompileStore
	log   logger.Logger
	clock func() time.Time
}

func NewServer(cfg Config, store *CompileStore) *Server {
	if store == nil {
		store = NewCompileStore(0)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:   cfg,
		store: store,
		log:   log.With("component", "api"),
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/version", s.handleVersion)

	e.POST("/v1/coefficients/:kind", s.handleCoefficients)

	e.POST("/v1/compile", s.handleCompile)
	e.GET("/v1/compile/:id", s.handleGetCompile)
	e.GET("/v1/compile/:id/regions/:region", s.handleGetRegion)
	e.DELETE("/v1/compile/:id", s.handleDeleteCompile)
}

func (s *Server) handleVersion(c *echo.Context) error {
	return c.JSON(http.StatusOK, version.Resolve())
}

func (s *Server) handleCoefficients(c *echo.Context) error {
	var (
		out any
		err error
	)
	switch kind := c.Param("kind"); kind {
	case "matmul":
		out, err = matmulCoefficients(c)
	case "bmm":
		out, err = bmmCoefficients(c)
	case "add":
		out, err = addCoefficients(c)
	case "mul":
		out, err = mulCoefficients(c)
	default:
		return writeNotFound(c, "unknown coefficient kind "+kind)
	}
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func matmulCoefficients(c *echo.Context) (*requant.MatMulCoeffs, error) {
	req, err := decodeJSON[MatMulCoeffsRequest](c.Request().Body)
	if err != nil {
		return nil, newInvalidRequest("%v", err)
	}
	if req.K <= 0 || req.N <= 0 || len(req.Weights) != req.K*req.N {
		return nil, newInvalidRequest("weights must hold k*n=%d values, got %d", req.K*req.N, len(req.Weights))
	}
	if req.WeightBits == 0 {
		req.WeightBits = 8
	}
	if req.WeightBits != 8 && req.WeightBits != 16 {
		return nil, newInvalidRequest("weight_bits must be 8 or 16, got %d", req.WeightBits)
	}
	return requant.MatMul(requant.MatMulRequest{
		IFM: req.IFM, Weight: req.Weight, OFM: req.OFM, Bias: req.Bias,
		Weights: req.Weights, BiasData: req.BiasData,
		K: req.K, N: req.N, WeightBits: req.WeightBits,
	})
}

func bmmCoefficients(c *echo.Context) (*requant.BatchedMatMulCoeffs, error) {
	req, err := decodeJSON[BatchedMatMulCoeffsRequest](c.Request().Body)
	if err != nil {
		return nil, newInvalidRequest("%v", err)
	}
	if req.Bits == 0 {
		req.Bits = 8
	}
	if req.Bits != 8 && req.Bits != 16 {
		return nil, newInvalidRequest("bits must be 8 or 16, got %d", req.Bits)
	}
	return requant.BatchedMatMul(requant.BatchedMatMulRequest{A: req.A, B: req.B, OFM: req.OFM, K: req.K, Bits: req.Bits})
}

func addCoefficients(c *echo.Context) (*requant.AddCoeffs, error) {
	req, err := decodeJSON[EltwiseCoeffsRequest](c.Request().Body)
	if err != nil {
		return nil, newInvalidRequest("%v", err)
	}
	return requant.Add(requant.AddRequest{IFM1: req.IFM1, IFM2: req.IFM2, OFM: req.OFM})
}

func mulCoefficients(c *echo.Context) (*requant.MulCoeffs, error) {
	req, err := decodeJSON[EltwiseCoeffsRequest](c.Request().Body)
	if err != nil {
		return nil, newInvalidRequest("%v", err)
	}
	if req.ConstElems == 0 {
		req.ConstElems = 1
	}
	return requant.Mul(requant.MulRequest{
		IFM1: req.IFM1, IFM2: req.IFM2, OFM: req.OFM,
		ConstElems: req.ConstElems, PhysicalElems: req.PhysicalElems,
	})
}

// resolve maps a request path onto the weights root, refusing anything that
// would leave it.
func (s *Server) resolve(rel string) (string, error) {
	if s.cfg.WeightsRoot == "" {
		return "", newInvalidRequest("server has no weights root configured")
	}
	rel = filepath.FromSlash(strings.TrimSpace(rel))
	if rel == "" || !filepath.IsLocal(rel) {
		return "", newInvalidRequest("weights path %q must be relative to the weights root", rel)
	}
	return filepath.Join(s.cfg.WeightsRoot, rel), nil
}

func (s *Server) handleCompile(c *echo.Context) error {
	req, err := decodeJSON[CompileRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Plan == nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "plan is required", "plan")
	}
	bin, err := s.resolve(req.Weights)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "weights")
	}
	meta := ""
	if req.Metadata != "" {
		if meta, err = s.resolve(req.Metadata); err != nil {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "metadata")
		}
	}

	src, err := compiler.OpenWeights(bin, meta, req.Plan.ModelVersion)
	if err != nil {
		return writeFailure(c, err)
	}
	defer func() { _ = src.Close() }()

	res, err := compiler.Compile(c.Request().Context(), req.Plan, src, compiler.Options{
		Jobs:          s.cfg.Jobs,
		LayoutVersion: s.cfg.LayoutVersion,
		Logger:        s.log,
	})
	if err != nil {
		s.log.Warn("compile failed", "weights", req.Weights, "error", err)
		return writeFailure(c, err)
	}
	resp := s.store.Save(req.Weights, res, s.clock())
	s.log.Info("compile stored", "id", resp.ID, "ops", len(res.Manifest.Ops))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetCompile(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "compile not found")
	}
	return c.JSON(http.StatusOK, rec.Response)
}

// handleGetRegion streams the raw weights or rtp region of a stored compile.
func (s *Server) handleGetRegion(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "compile not found")
	}
	var data []byte
	switch region := c.Param("region"); region {
	case "weights":
		data = rec.Result.Weights
	case "rtp":
		if rec.Result.RTP == nil {
			return writeNotFound(c, "compile has no rtp region")
		}
		data = rec.Result.RTP
	default:
		return writeNotFound(c, "unknown region "+region)
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func (s *Server) handleDeleteCompile(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "compile not found")
	}
	return c.JSON(http.StatusOK, DeleteCompileResponse{ID: id, Object: "compile", Deleted: true})
}
