package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/o1egl/paseto"
	"github.com/valyala/fasthttp"

	"wbkv/internal/agents"
	"wbkv/internal/config"
	"wbkv/internal/core"
	"wbkv/internal/kvstore"
	"wbkv/internal/logger"
	"wbkv/internal/metrics"
)

const (
	DocumentsStoreName = "documents"
	CountersStoreName  = "counters"
	defaultKeysLimit   = 1000
)

type HttpApiRouter struct {
	Configuration config.SystemConfiguration
	Context       *core.StorageContext
	Documents     *kvstore.Store[string, []byte]
	Counters      *kvstore.Store[string, int64]

	// RequestTimeout bounds /sync and /clear. Zero means the shutdown timeout.
	RequestTimeout time.Duration
}

type SinglePutRequestPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type BatchPutRequestPayload struct {
	Items []SinglePutRequestPayload `json:"items"`
}

type DocumentResponsePayload struct {
	Key   string `json:"key"`
	Value string `json:"val"`
}

type CounterResponsePayload struct {
	Key   string `json:"key"`
	Value int64  `json:"val"`
}

type BatchPutResponsePayload struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (router *HttpApiRouter) GetFastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		router.handleRequest(ctx)
	}
}

func (router *HttpApiRouter) handleRequest(ctx *fasthttp.RequestCtx) {
	startTime := time.Now()
	defer func() {
		recoverPanic(ctx)
		logger.LogAccessEvent("%s %s %s %d %v", string(ctx.Method()), string(ctx.Path()), ctx.RemoteAddr(), ctx.Response.StatusCode(), time.Since(startTime))
	}()

	if !router.checkAuth(ctx) {
		ctx.Error("Unauthorized", fasthttp.StatusUnauthorized)
		return
	}

	router.routePath(ctx)
}

func (router *HttpApiRouter) routePath(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/put":
		router.HandleSinglePutRequest(ctx)
	case "/get":
		router.HandleGetRequest(ctx)
	case "/batch":
		router.HandleBatchPutRequest(ctx)
	case "/delete":
		router.HandleDeleteRequest(ctx)
	case "/incr":
		router.HandleIncrementRequest(ctx)
	case "/keys":
		router.HandleKeysRequest(ctx)
	case "/clear":
		router.HandleClearRequest(ctx)
	case "/sync":
		router.HandleSyncRequest(ctx)
	case "/metrics":
		router.HandleMetricsRequest(ctx)
	default:
		ctx.Error("Not Found", fasthttp.StatusNotFound)
	}
}

func (router *HttpApiRouter) checkAuth(ctx *fasthttp.RequestCtx) bool {
	configToken := router.Configuration.AuthenticationToken
	headerToken := string(ctx.Request.Header.Peek("Authorization"))

	if configToken == "" && headerToken == "" {
		return true
	}

	var footer string
	var claims paseto.JSONToken
	if err := paseto.NewV2().Decrypt(headerToken, SecretKey(router.Configuration), &claims, &footer); err != nil {
		return false
	}
	return claims.Validate(paseto.ValidAt(time.Now())) == nil
}

// SecretKey pads or truncates the configured secret to the 32 bytes paseto v2
// local tokens need.
func SecretKey(cfg config.SystemConfiguration) []byte {
	return []byte(fmt.Sprintf("%-32s", cfg.AuthenticationSecret))[:32]
}

// IssueToken creates a local token for subject valid for ttl.
func IssueToken(cfg config.SystemConfiguration, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	return paseto.NewV2().Encrypt(SecretKey(cfg), paseto.JSONToken{
		Subject:    subject,
		IssuedAt:   now,
		NotBefore:  now,
		Expiration: now.Add(ttl),
	}, "")
}

func (router *HttpApiRouter) HandleSinglePutRequest(ctx *fasthttp.RequestCtx) {
	if !isMethodAllowed(ctx, "POST", "PUT") {
		return
	}

	var payload SinglePutRequestPayload
	if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil || payload.Key == "" {
		ctx.Error("Bad Request", fasthttp.StatusBadRequest)
		return
	}

	if err := router.Documents.Put(payload.Key, []byte(payload.Value)); err != nil {
		writeStoreError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
}

func (router *HttpApiRouter) HandleGetRequest(ctx *fasthttp.RequestCtx) {
	if !isMethodAllowed(ctx, "GET") {
		return
	}

	key := string(ctx.QueryArgs().Peek("key"))
	if key == "" {
		ctx.Error("Missing key", fasthttp.StatusBadRequest)
		return
	}

	if string(ctx.QueryArgs().Peek("store")) == CountersStoreName {
		value, found, err := router.Counters.Get(key)
		if !serveLookup(ctx, found, err) {
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, CounterResponsePayload{Key: key, Value: value})
		return
	}

	value, found, err := router.Documents.Get(key)
	if !serveLookup(ctx, found, err) {
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, DocumentResponsePayload{Key: key, Value: string(value)})
}

func serveLookup(ctx *fasthttp.RequestCtx, found bool, err error) bool {
	if err != nil {
		writeStoreError(ctx, err)
		return false
	}
	if !found {
		ctx.Error("Not Found", fasthttp.StatusNotFound)
		return false
	}
	return true
}

// HandleBatchPutRequest applies items in order and stops at the first
// rejected one. Items before it stay applied.
func (router *HttpApiRouter) HandleBatchPutRequest(ctx *fasthttp.RequestCtx) {
	if !isMethodAllowed(ctx, "POST") {
		return
	}

	var req BatchPutRequestPayload
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		ctx.Error("Bad Request", fasthttp.StatusBadRequest)
		return
	}

	for i, item := range req.Items {
		if item.Key == "" {
			writeJSON(ctx, fasthttp.StatusBadRequest, BatchPutResponsePayload{Accepted: i, Error: "missing key"})
			return
		}
		if err := router.Documents.Put(item.Key, []byte(item.Value)); err != nil {
			writeJSON(ctx, statusForError(err), BatchPutResponsePayload{Accepted: i, Error: err.Error()})
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusCreated, BatchPutResponsePayload{Accepted: len(req.Items)})
}

func (router *HttpApiRouter) HandleDeleteRequest(ctx *fasthttp.RequestCtx) {
	if !isMethodAllowed(ctx, "DELETE", "POST") {
		return
	}

	key := string(ctx.QueryArgs().Peek("key"))
	if key == "" {
		ctx.Error("Missing key", fasthttp.StatusBadRequest)
		return
	}

	returnPrevious := ctx.QueryArgs().GetBool("previous")
	previous, found, err := router.Documents.Remove(key, returnPrevious)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	if returnPrevious && found {
		writeJSON(ctx, fasthttp.StatusOK, DocumentResponsePayload{Key: key, Value: string(previous)})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// HandleIncrementRequest adds delta (default 1) to a counter atomically. The
// counter is removed when the result is zero and remove_at_zero is set.
func (router *HttpApiRouter) HandleIncrementRequest(ctx *fasthttp.RequestCtx) {
	if !isMethodAllowed(ctx, "POST") {
		return
	}

	args := ctx.QueryArgs()
	key := string(args.Peek("key"))
	if key == "" {
		ctx.Error("Missing key", fasthttp.StatusBadRequest)
		return
	}
	delta := int64(1)
	if raw := args.Peek("delta"); len(raw) > 0 {
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			ctx.Error("Invalid delta", fasthttp.StatusBadRequest)
			return
		}
		delta = parsed
	}
	removeAtZero := args.GetBool("remove_at_zero")

	value, _, err := router.Counters.Compute(key, func(_ string, current int64, _ bool) (int64, bool, error) {
		next := current + delta
		return next, !(removeAtZero && next == 0), nil
	})
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, CounterResponsePayload{Key: key, Value: value})
}

// HandleKeysRequest lists up to limit keys of a store that start with prefix.
func (router *HttpApiRouter) HandleKeysRequest(ctx *fasthttp.RequestCtx) {
	if !isMethodAllowed(ctx, "GET") {
		return
	}

	args := ctx.QueryArgs()
	prefix := string(args.Peek("prefix"))
	limit, err := args.GetUint("limit")
	if err != nil || limit <= 0 {
		limit = defaultKeysLimit
	}

	var keys iter.Seq[string]
	switch string(args.Peek("store")) {
	case CountersStoreName:
		keys = router.Counters.Keys()
	case "", DocumentsStoreName:
		keys = router.Documents.Keys()
	default:
		ctx.Error("Unknown store", fasthttp.StatusBadRequest)
		return
	}

	out := make([]string, 0)
	for key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, key)
		if len(out) >= limit {
			break
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (router *HttpApiRouter) HandleClearRequest(ctx *fasthttp.RequestCtx) {
	if !isMethodAllowed(ctx, "POST") {
		return
	}

	timeout, cancel := router.requestContext()
	defer cancel()

	var err error
	switch string(ctx.QueryArgs().Peek("store")) {
	case CountersStoreName:
		err = router.Counters.Clear(timeout)
	case "", DocumentsStoreName:
		err = router.Documents.Clear(timeout)
	default:
		ctx.Error("Unknown store", fasthttp.StatusBadRequest)
		return
	}
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (router *HttpApiRouter) HandleSyncRequest(ctx *fasthttp.RequestCtx) {
	if !isMethodAllowed(ctx, "POST") {
		return
	}

	timeout, cancel := router.requestContext()
	defer cancel()
	if err := router.Context.Sync(timeout); err != nil {
		writeStoreError(ctx, err)
		return
	}
	if err := router.Context.Save(false); err != nil {
		writeStoreError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (router *HttpApiRouter) HandleMetricsRequest(ctx *fasthttp.RequestCtx) {
	if !isMethodAllowed(ctx, "GET") {
		return
	}

	state := metrics.GetCurrentState()
	documents, documentsPending := router.Documents.Stats()
	counters, countersPending := router.Counters.Stats()
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"system": state,
		"stores": map[string]any{
			DocumentsStoreName: map[string]any{"cache": documents, "pending": documentsPending},
			CountersStoreName:  map[string]any{"cache": counters, "pending": countersPending},
		},
		"pipeline_depth": router.Context.Pipeline().Len(),
	})
}

func (router *HttpApiRouter) requestContext() (context.Context, context.CancelFunc) {
	timeout := router.RequestTimeout
	if timeout <= 0 {
		timeout = router.Configuration.ShutdownTimeout()
	}
	return context.WithTimeout(context.Background(), timeout)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, kvstore.ErrEncoding):
		return fasthttp.StatusBadRequest
	case errors.Is(err, kvstore.ErrStoreFailed),
		errors.Is(err, agents.ErrQueueClosed),
		errors.Is(err, core.ErrContextClosed):
		return fasthttp.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

func writeStoreError(ctx *fasthttp.RequestCtx, err error) {
	status := statusForError(err)
	if status >= fasthttp.StatusInternalServerError {
		logger.LogErrorEvent("%s %s failed: %v", string(ctx.Method()), string(ctx.Path()), err)
	}
	ctx.Error(err.Error(), status)
}

func isMethodAllowed(ctx *fasthttp.RequestCtx, methods ...string) bool {
	reqMethod := string(ctx.Method())
	for _, m := range methods {
		if reqMethod == m {
			return true
		}
	}
	ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
	return false
}

func recoverPanic(ctx *fasthttp.RequestCtx) {
	if r := recover(); r != nil {
		logger.LogErrorEvent("PANIC: %v\n%s", r, debug.Stack())
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body any) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	if err := json.NewEncoder(ctx).Encode(body); err != nil {
		logger.LogErrorEvent("Failed to encode response for %s: %v", string(ctx.Path()), err)
	}
}
