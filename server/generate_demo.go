package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/axonrun/mlxserve/kvcache"
)

// demoNumLayers/KVHeads/HeadDim/Step describe the toy architecture the demo
// decode loop allocates fresh layers for on a cold miss. A real model
// loader would supply these from the loaded checkpoint; here they are
// fixed constants since no real model is loaded (§9 "no GPU/accelerator
// backend").
const (
	demoNumLayers = 2
	demoKVHeads   = 4
	demoHeadDim   = 8
	demoStep      = 128
)

// generateRequest mirrors the fields of the per-request generation
// parameters this cache cares about (§6), plus a prompt string and a
// requested completion length for the demo decode loop.
type generateRequest struct {
	Model               string  `json:"model" binding:"required"`
	Prompt              string  `json:"prompt" binding:"required"`
	Temperature         float32 `json:"temperature"`
	TopP                float32 `json:"top_p"`
	NumPredict          int     `json:"num_predict"`
	KVBits              *int    `json:"kv_bits"`
	KVGroupSize         int     `json:"kv_group_size"`
	KVQuantizationStart int     `json:"kv_quantization_start"`
}

// GenerateHandler is a stand-in for the real decode loop: it tokenizes the
// prompt byte-for-byte, drives the prefix cache through Begin/End exactly
// as a real runtime would, and "generates" by counting up from the prompt's
// last byte. It exercises the full cache lifecycle (prefix lookup,
// prefill append, decode append, write-back) without a real model or
// accelerator behind it. Concurrent requests are bounded by s.genSlots
// the same way the teacher bounds concurrent sequences in its runner.
func (s *Server) GenerateHandler(c *gin.Context) {
	if err := s.genSlots.Acquire(c.Request.Context(), 1); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("aborting generate request due to client closing the connection")
		} else {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to acquire generate slot: %v", err)})
		}
		return
	}
	defer s.genSlots.Release(1)

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.NumPredict <= 0 {
		req.NumPredict = 8
	}
	if req.KVGroupSize == 0 {
		req.KVGroupSize = 64
	}

	if req.KVBits != nil && *req.KVBits != 4 && *req.KVBits != 8 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("kv_bits must be 4 or 8, got %d", *req.KVBits)})
		return
	}
	if req.KVGroupSize <= 0 || req.KVGroupSize%8 != 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("kv_group_size must be a positive multiple of 8, got %d", req.KVGroupSize)})
		return
	}
	if req.KVQuantizationStart < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("kv_quantization_start must be >= 0, got %d", req.KVQuantizationStart)})
		return
	}

	promptTokens := tokenizeBytes(req.Prompt)
	params := kvcache.Params{
		Temperature:         req.Temperature,
		TopP:                req.TopP,
		KVBits:              req.KVBits,
		KVGroupSize:         req.KVGroupSize,
		KVQuantizationStart: req.KVQuantizationStart,
	}

	newLayers := func() []kvcache.LayerCache {
		return kvcache.NewDenseLayerSequence(demoNumLayers, demoKVHeads, demoHeadDim, demoStep)
	}

	toProcess, handle := s.bridge.Begin(req.Model, promptTokens, params, newLayers)

	if len(toProcess) > 0 {
		appendTileToAllLayers(handle.Layers, toProcess)
	}

	generated := echoDecode(promptTokens, req.NumPredict)
	for _, tok := range generated {
		appendTileToAllLayers(handle.Layers, []int32{tok})
	}

	fullTokens := append(append([]int32(nil), promptTokens...), generated...)
	s.bridge.End(req.Model, fullTokens, params, handle)

	c.JSON(http.StatusOK, gin.H{
		"model":           req.Model,
		"response":        detokenizeBytes(generated),
		"prompt_tokens":   len(promptTokens),
		"cached_tokens":   len(promptTokens) - len(toProcess),
		"completed_at_id": handle.ID.String(),
	})
}

// tokenizeBytes treats each byte of s as a token id. It is not a real
// tokenizer; it only needs to be deterministic and prefix-stable so the
// cache's exact-prefix matching has something real to match against.
func tokenizeBytes(s string) []int32 {
	b := []byte(s)
	tokens := make([]int32, len(b))
	for i, c := range b {
		tokens[i] = int32(c)
	}
	return tokens
}

func detokenizeBytes(tokens []int32) string {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b)
}

// echoDecode "generates" n tokens by counting up from the prompt's trailing
// byte: each token is the previous one plus one (mod 256). The output
// depends only on that byte and n, so calls over the same prompt return
// the same tokens.
func echoDecode(prompt []int32, n int) []int32 {
	var last int32
	if len(prompt) > 0 {
		last = prompt[len(prompt)-1]
	}
	out := make([]int32, n)
	for i := range out {
		last = (last + 1) % 256
		out[i] = last
	}
	return out
}

// appendTileToAllLayers builds a zeroed dense [1, kv_heads, len(tokens),
// head_dim] key/value tile — there is no real model behind this handler to
// compute actual projections — and appends it to every layer in the
// sequence. The cache only needs the tile's shape and byte footprint to be
// right; its contents are not read back by anything in this demo path.
func appendTileToAllLayers(layers []kvcache.LayerCache, tokens []int32) {
	keys := kvcache.NewTensor(kvcache.DTypeF32, 1, demoKVHeads, len(tokens), demoHeadDim)
	values := kvcache.NewTensor(kvcache.DTypeF32, 1, demoKVHeads, len(tokens), demoHeadDim)
	for _, layer := range layers {
		_ = layer.Append(keys, values)
	}
}
