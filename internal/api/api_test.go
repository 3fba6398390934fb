package api

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"wbkv/internal/codec"
	"wbkv/internal/kvstore"
	"wbkv/internal/logger"
	testFactory "wbkv/internal/testing"
)

func TestMain(m *testing.M) {
	logger.InitializeLogger("./test_logs_api", "ERROR")
	code := m.Run()
	logger.ShutdownLogger()
	os.RemoveAll("./test_logs_api")
	os.Exit(code)
}

func newTestRouter(t *testing.T) *HttpApiRouter {
	f := testFactory.NewTestFactory(t)
	t.Cleanup(f.Cleanup)

	cfg := f.Configuration(testFactory.InMemory)
	cfg.AuthenticationSecret = "test-secret"
	sc := f.CreateSystem(testFactory.InMemory)

	opts := kvstore.OptionsFromConfiguration(cfg)
	documents, err := kvstore.Open(sc, DocumentsStoreName, codec.String(), codec.Bytes(), opts)
	require.NoError(t, err)
	counters, err := kvstore.Open(sc, CountersStoreName, codec.String(), codec.Int64(), opts)
	require.NoError(t, err)

	return &HttpApiRouter{
		Configuration:  cfg,
		Context:        sc,
		Documents:      documents,
		Counters:       counters,
		RequestTimeout: 5 * time.Second,
	}
}

func perform(router *HttpApiRouter, method, uri string, body []byte, headers ...string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	for i := 0; i+1 < len(headers); i += 2 {
		ctx.Request.Header.Set(headers[i], headers[i+1])
	}
	if body != nil {
		ctx.Request.SetBody(body)
	}
	router.GetFastHTTPHandler()(&ctx)
	return &ctx
}

func decode[T any](t *testing.T, ctx *fasthttp.RequestCtx) T {
	var out T
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &out), "body: %s", ctx.Response.Body())
	return out
}

func TestHandlePutAndGet(t *testing.T) {
	router := newTestRouter(t)

	body, _ := json.Marshal(SinglePutRequestPayload{Key: "testk", Value: `quoted "value"`})
	ctx := perform(router, "POST", "/put", body)
	require.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())

	ctx = perform(router, "GET", "/get?key=testk", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	got := decode[DocumentResponsePayload](t, ctx)
	assert.Equal(t, `quoted "value"`, got.Value)

	ctx = perform(router, "GET", "/get?key=missing", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	ctx = perform(router, "GET", "/get", nil)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandlePutRejectsBadPayloads(t *testing.T) {
	router := newTestRouter(t)

	assert.Equal(t, fasthttp.StatusBadRequest, perform(router, "POST", "/put", []byte("{not json")).Response.StatusCode())
	assert.Equal(t, fasthttp.StatusBadRequest, perform(router, "POST", "/put", []byte(`{"value":"v"}`)).Response.StatusCode())
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, perform(router, "GET", "/put", nil).Response.StatusCode())
	assert.Equal(t, fasthttp.StatusNotFound, perform(router, "GET", "/nowhere", nil).Response.StatusCode())
}

func TestHandleBatchAndKeys(t *testing.T) {
	router := newTestRouter(t)

	var req BatchPutRequestPayload
	for i := 0; i < 20; i++ {
		req.Items = append(req.Items, SinglePutRequestPayload{Key: fmt.Sprintf("user:%02d", i), Value: "x"})
	}
	req.Items = append(req.Items, SinglePutRequestPayload{Key: "order:1", Value: "y"})
	body, _ := json.Marshal(req)

	ctx := perform(router, "POST", "/batch", body)
	require.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())
	assert.Equal(t, 21, decode[BatchPutResponsePayload](t, ctx).Accepted)

	require.Equal(t, fasthttp.StatusOK, perform(router, "POST", "/sync", nil).Response.StatusCode())
	ctx = perform(router, "GET", "/keys?prefix=user:&limit=5", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	keys := decode[[]string](t, ctx)
	assert.Equal(t, []string{"user:00", "user:01", "user:02", "user:03", "user:04"}, keys)

	ctx = perform(router, "GET", "/keys?store=bogus", nil)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleBatchStopsAtFirstInvalidItem(t *testing.T) {
	router := newTestRouter(t)

	body := []byte(`{"items":[{"key":"a","value":"1"},{"key":"","value":"2"},{"key":"c","value":"3"}]}`)
	ctx := perform(router, "POST", "/batch", body)
	require.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Equal(t, 1, decode[BatchPutResponsePayload](t, ctx).Accepted)

	assert.Equal(t, fasthttp.StatusOK, perform(router, "GET", "/get?key=a", nil).Response.StatusCode())
	assert.Equal(t, fasthttp.StatusNotFound, perform(router, "GET", "/get?key=c", nil).Response.StatusCode())
}

func TestHandleDeleteReturnsPrevious(t *testing.T) {
	router := newTestRouter(t)
	require.NoError(t, router.Documents.Put("gone", []byte("soon")))

	ctx := perform(router, "DELETE", "/delete?key=gone&previous=1", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "soon", decode[DocumentResponsePayload](t, ctx).Value)

	assert.Equal(t, fasthttp.StatusNotFound, perform(router, "GET", "/get?key=gone", nil).Response.StatusCode())

	ctx = perform(router, "POST", "/delete?key=gone", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Empty(t, ctx.Response.Body())
}

func TestHandleIncrement(t *testing.T) {
	router := newTestRouter(t)

	for i := 0; i < 3; i++ {
		require.Equal(t, fasthttp.StatusOK, perform(router, "POST", "/incr?key=visits", nil).Response.StatusCode())
	}
	ctx := perform(router, "POST", "/incr?key=visits&delta=10", nil)
	assert.Equal(t, int64(13), decode[CounterResponsePayload](t, ctx).Value)

	ctx = perform(router, "GET", "/get?key=visits&store=counters", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, int64(13), decode[CounterResponsePayload](t, ctx).Value)

	ctx = perform(router, "POST", "/incr?key=visits&delta=-13&remove_at_zero=1", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, fasthttp.StatusNotFound, perform(router, "GET", "/get?key=visits&store=counters", nil).Response.StatusCode())

	assert.Equal(t, fasthttp.StatusBadRequest, perform(router, "POST", "/incr?key=visits&delta=abc", nil).Response.StatusCode())
}

func TestHandleClearSyncAndMetrics(t *testing.T) {
	router := newTestRouter(t)
	for i := 0; i < 50; i++ {
		require.NoError(t, router.Documents.Put(fmt.Sprintf("k%d", i), []byte("v")))
	}

	require.Equal(t, fasthttp.StatusOK, perform(router, "POST", "/sync", nil).Response.StatusCode())
	require.Equal(t, fasthttp.StatusOK, perform(router, "POST", "/clear", nil).Response.StatusCode())
	ctx := perform(router, "GET", "/keys", nil)
	assert.Empty(t, decode[[]string](t, ctx))

	ctx = perform(router, "GET", "/metrics", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	snapshot := decode[map[string]any](t, ctx)
	assert.Contains(t, snapshot, "system")
	assert.Contains(t, snapshot, "stores")
}

func TestAuthentication(t *testing.T) {
	router := newTestRouter(t)
	router.Configuration.AuthenticationToken = "required"

	ctx := perform(router, "GET", "/keys", nil)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	ctx = perform(router, "GET", "/keys", nil, "Authorization", "v2.local.garbage")
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	token, err := IssueToken(router.Configuration, "tester", time.Minute)
	require.NoError(t, err)
	ctx = perform(router, "GET", "/keys", nil, "Authorization", token)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	expired, err := IssueToken(router.Configuration, "tester", -time.Minute)
	require.NoError(t, err)
	ctx = perform(router, "GET", "/keys", nil, "Authorization", expired)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
}
