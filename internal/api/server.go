// Package api serves generation requests over HTTP. One model instance
// backs the server; requests are serialized so the tokenizer cache and the
// random source stay single-writer.
package api

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/calder93/kiln/internal/logger"
	"github.com/calder93/kiln/internal/model"
	"github.com/calder93/kiln/internal/sampler"
)

// Codec is the tokenizer surface the server needs.
type Codec interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	EOSID() int
}

// GenerationRequest is the body of POST /v1/generations. Absent sampling
// fields fall back to the server defaults.
type GenerationRequest struct {
	Prompt       string   `json:"prompt"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopK         *int     `json:"top_k,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	Seed         *int64   `json:"seed,omitempty"`
}

// GenerationResponse is the completed generation.
type GenerationResponse struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Created    int64  `json:"created"`
	Prompt     string `json:"prompt"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

// Usage counts the tokens a generation consumed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseError is the error body shape.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Server exposes a fine-tuned model for sampling.
type Server struct {
	mu       sync.Mutex
	lm       model.LM
	tok      Codec
	log      logger.Logger
	defaults sampler.Config
	seeds    *rand.Rand
}

// NewServer wraps a model and tokenizer. defaults supplies the sampling
// settings a request leaves unset.
func NewServer(lm model.LM, tok Codec, defaults sampler.Config, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		lm:       lm,
		tok:      tok,
		log:      log,
		defaults: defaults,
		seeds:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register mounts the server's routes.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generations", s.handleGenerate)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	var req GenerationRequest
	if err := c.Bind(&req); err != nil {
		return writeBadRequest(c, "malformed request body")
	}
	if req.Prompt == "" {
		return writeBadRequest(c, "prompt must not be empty")
	}

	cfg := s.defaults
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.TopK != nil {
		cfg.TopK = *req.TopK
	}
	if req.TopP != nil {
		cfg.TopP = *req.TopP
	}
	if req.MaxNewTokens != nil {
		cfg.MaxNewTokens = *req.MaxNewTokens
	}
	if err := cfg.Validate(); err != nil {
		return writeBadRequest(c, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seed := s.seeds.Int63()
	if req.Seed != nil {
		seed = *req.Seed
	}
	smp, err := sampler.New(cfg, rand.New(rand.NewSource(seed)))
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	prefix, err := s.tok.Encode(req.Prompt)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(prefix) == 0 {
		return writeBadRequest(c, "prompt tokenizes to nothing")
	}

	res, err := smp.Generate(s.lm, prefix)
	if err != nil {
		s.log.Error("generation failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	text, err := s.tok.Decode(res.Tokens[len(prefix):])
	if err != nil {
		s.log.Error("decoding generation failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}

	completion := len(res.Tokens) - len(prefix)
	s.log.Info("generation served",
		"prompt_tokens", len(prefix), "completion_tokens", completion, "stop", res.Reason.String())
	return c.JSON(http.StatusOK, GenerationResponse{
		ID:         "gen-" + uuid.NewString(),
		Object:     "generation",
		Created:    time.Now().Unix(),
		Prompt:     req.Prompt,
		Text:       text,
		StopReason: res.Reason.String(),
		Usage: Usage{
			PromptTokens:     len(prefix),
			CompletionTokens: completion,
			TotalTokens:      len(res.Tokens),
		},
	})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}
