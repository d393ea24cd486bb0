package llm

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docindex/internal/core"
)

func vec(n int, val float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = val
	}
	return v
}

func TestDPREncoder_LowercasesAndNormalizes(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/encode/dpr", r.URL.Path)
		var req encodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = req.Sentences
		res := encodeResponse{}
		for range req.Sentences {
			res.Embeddings = append(res.Embeddings, vec(DPRDims, 3))
		}
		_ = json.NewEncoder(w).Encode(res)
	}))
	defer srv.Close()

	enc := NewDPREncoder(NewModelServer("dpr", srv.URL, 100, 1))
	out, err := enc.EmbedTexts(context.Background(), []string{"Hello World", "ABC"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello world", "abc"}, seen)
	require.Len(t, out, 2)

	var sum float64
	for _, x := range out[0] {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestSIFEncoder_RejectsWrongDims(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(encodeResponse{Embeddings: [][]float32{vec(10, 1)}})
	}))
	defer srv.Close()

	_, err := NewSIFEncoder(NewModelServer("sif", srv.URL, 100, 0)).EmbedTexts(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10 dims")
}

func TestModelServer_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(encodeResponse{Embeddings: [][]float32{vec(SIFDims, 1)}})
	}))
	defer srv.Close()

	out, err := NewSIFEncoder(NewModelServer("sif", srv.URL, 100, 1)).EmbedTexts(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestModelServer_ExhaustedRetriesAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewSIFEncoder(NewModelServer("sif", srv.URL, 100, 0)).EmbedTexts(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, core.ErrTransient)
}

func TestNERClient_DecodesEntityPairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ner", r.URL.Path)
		var req nerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "general", req.Domain)
		_, _ = w.Write([]byte(`{"entities":[[["Acme",["ORG"]]],[]]}`))
	}))
	defer srv.Close()

	out, err := NewNERClient(NewModelServer("ner", srv.URL, 100, 0)).Tag(context.Background(), []string{"Acme rocks", "nothing"}, "general")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, out[0], 1)
	assert.Equal(t, "Acme", out[0][0].Mention)
	assert.Equal(t, []string{"ORG"}, out[0][0].Types)
	assert.Empty(t, out[1])
}

func TestBERN2Client_MapsAnnotations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plain", r.URL.Path)
		_, _ = w.Write([]byte(`{"annotations":[{"mention":"aspirin","obj":"drug","id":["mesh:D001241"]}]}`))
	}))
	defer srv.Close()

	out, err := NewBERN2Client(NewModelServer("bern2", srv.URL, 100, 0)).Tag(context.Background(), []string{"aspirin daily", ""}, "biology")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "DRUG", out[0][0].Types[0])
	assert.Empty(t, out[1])
}

func TestYoloClient_MarksInference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"bboxes":[{"page_idx":0,"block_type":"table","bbox":[1,2,3,4],"audited":true}]}`))
	}))
	defer srv.Close()

	boxes, err := NewYoloClient(NewModelServer("yolo", srv.URL, 100, 0)).Detect(context.Background(), "d1", []byte(`[]`))
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.False(t, boxes[0].Audited)
	assert.Equal(t, "inference", boxes[0].Source)
}
