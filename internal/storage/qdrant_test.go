package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valigence/internal/config"
	"valigence/internal/storage"
	"valigence/internal/types"
)

// TestQdrant_NewQdrant 测试Qdrant客户端初始化
func TestQdrant_NewQdrant(t *testing.T) {
	// 模拟Qdrant API
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/test_collection" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{
				"result": {
					"config": {
						"params": {
							"vectors": {
								"size": 768,
								"distance": "Cosine"
							}
						}
					}
				}
			}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := &config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "test_collection",
		Dimension:  768,
	}

	client, err := storage.NewQdrant(cfg,
		storage.WithDistanceMetric("Cosine"),
		storage.WithHttpTimeout(5*time.Second))

	require.NoError(t, err, "应该成功创建Qdrant客户端")
	require.NotNil(t, client, "客户端不应为nil")
}

// TestQdrant_NewQdrant_CreatesMissingCollection 集合不存在时应自动创建
func TestQdrant_NewQdrant_CreatesMissingCollection(t *testing.T) {
	var createCalled bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/test_collection" && r.Method == "GET" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Path == "/collections/test_collection" && r.Method == "PUT" {
			createCalled = true

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			vectors, ok := body["vectors"].(map[string]interface{})
			require.True(t, ok, "创建请求应包含vectors配置")
			assert.Equal(t, float64(768), vectors["size"], "向量维度应为768")
			assert.Equal(t, "Cosine", vectors["distance"], "距离度量应为Cosine")

			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"result": true, "status": "ok"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := &config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "test_collection",
		Dimension:  768,
	}

	_, err := storage.NewQdrant(cfg)
	require.NoError(t, err, "集合缺失时应创建成功")
	assert.True(t, createCalled, "应该调用创建集合接口")
}

// TestQdrant_StoreChunkVectors 测试存储文档分块向量
func TestQdrant_StoreChunkVectors(t *testing.T) {
	var storedPoints []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/test_collection" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"result": {"config": {"params": {"vectors": {"size": 768, "distance": "Cosine"}}}}}`))
			return
		}

		if r.URL.Path == "/collections/test_collection/points" && r.Method == "PUT" {
			var body struct {
				Points []map[string]interface{} `json:"points"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			storedPoints = body.Points

			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"result": {"operation_id": 123, "status": "completed"}, "status": "ok", "time": 0.001}`))
			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := &config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "test_collection",
		Dimension:  768,
	}

	client, err := storage.NewQdrant(cfg)
	require.NoError(t, err, "应该成功创建Qdrant客户端")

	runUUID := "run-abc-123"
	chunks := []types.DocumentChunk{
		{RunUUID: runUUID, ChunkIndex: 0, Content: "Senior Software Engineer 12"},
		{RunUUID: runUUID, ChunkIndex: 1, Content: "   "}, // 纯空白分块应被过滤
		{RunUUID: runUUID, ChunkIndex: 2, Content: "Data Analyst 4"},
	}

	embeddings := make([][]float64, len(chunks))
	for i := range embeddings {
		embeddings[i] = make([]float64, 768)
		for j := 0; j < 768; j++ {
			embeddings[i][j] = float64(i*j) / 768.0
		}
	}

	ctx := context.Background()
	pointIDs, err := client.StoreChunkVectors(ctx, runUUID, chunks, embeddings)

	require.NoError(t, err, "向量存储应成功")
	require.Len(t, pointIDs, 2, "空白分块被过滤后应只存储两个点")
	require.Len(t, storedPoints, 2, "上报给Qdrant的点数应为2")

	// 点ID必须是确定性的UUIDv5
	expectedID := uuid.NewV5(storage.QdrantPointIDNamespace,
		fmt.Sprintf("run_uuid:%s_chunk_index:%d", runUUID, 0)).String()
	assert.Equal(t, expectedID, pointIDs[0], "点ID应由runUUID和分块序号确定性生成")

	// payload应携带检索所需的元数据
	payload, ok := storedPoints[0]["payload"].(map[string]interface{})
	require.True(t, ok, "点应包含payload")
	assert.Equal(t, runUUID, payload["run_uuid"])
	assert.Equal(t, float64(0), payload["chunk_index"])
	assert.Equal(t, "Senior Software Engineer 12", payload["content_text"])

	payload2, ok := storedPoints[1]["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), payload2["chunk_index"], "保留分块的原始序号")
}

// TestQdrant_StoreChunkVectors_DimensionMismatch 向量维度不匹配应报错
func TestQdrant_StoreChunkVectors_DimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/test_collection" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"result": {"config": {"params": {"vectors": {"size": 768, "distance": "Cosine"}}}}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := &config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "test_collection",
		Dimension:  768,
	}

	client, err := storage.NewQdrant(cfg)
	require.NoError(t, err)

	chunks := []types.DocumentChunk{
		{RunUUID: "run-1", ChunkIndex: 0, Content: "some text"},
	}
	embeddings := [][]float64{make([]float64, 100)} // 错误维度

	_, err = client.StoreChunkVectors(context.Background(), "run-1", chunks, embeddings)
	require.Error(t, err, "维度不匹配应返回错误")
	assert.Contains(t, err.Error(), "维度")
}

// TestQdrant_SearchSimilarChunks 测试向量检索
func TestQdrant_SearchSimilarChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/test_collection" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"result": {"config": {"params": {"vectors": {"size": 768, "distance": "Cosine"}}}}}`))
			return
		}

		if r.URL.Path == "/collections/test_collection/points/search" && r.Method == "POST" {
			// 检索请求应携带run_uuid过滤器
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.NotNil(t, body["filter"], "检索请求应包含过滤器")
			assert.Equal(t, float64(20), body["limit"], "limit应透传")

			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{
				"result": [
					{
						"id": "point-1",
						"score": 0.95,
						"payload": {
							"run_uuid": "run-abc-123",
							"chunk_index": 3,
							"content_text": "Senior Software Engineer 12"
						}
					}
				],
				"status": "ok",
				"time": 0.001
			}`))
			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := &config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "test_collection",
		Dimension:  768,
	}

	client, err := storage.NewQdrant(cfg)
	require.NoError(t, err, "应该成功创建Qdrant客户端")

	queryVector := make([]float64, 768)
	for i := 0; i < 768; i++ {
		queryVector[i] = float64(i) / 768.0
	}

	ctx := context.Background()
	results, err := client.SearchSimilarChunks(ctx, queryVector, 20, storage.BuildRunUUIDFilter("run-abc-123"))

	require.NoError(t, err, "向量搜索应成功")
	require.Len(t, results, 1, "应返回一个结果")
	assert.Equal(t, "point-1", results[0].ID)
	assert.InDelta(t, 0.95, float64(results[0].Score), 0.01)
	assert.Equal(t, "run-abc-123", results[0].Payload["run_uuid"])
	assert.Equal(t, "Senior Software Engineer 12", results[0].Payload["content_text"])
}

// TestQdrant_DeletePointsByRunUUID 测试按运行UUID删除向量点
func TestQdrant_DeletePointsByRunUUID(t *testing.T) {
	var deleteBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/test_collection" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"result": {"config": {"params": {"vectors": {"size": 768, "distance": "Cosine"}}}}}`))
			return
		}

		if r.URL.Path == "/collections/test_collection/points/delete" && r.Method == "POST" {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&deleteBody))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"result": {"status": "completed"}, "status": "ok", "time": 0.002}`))
			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := &config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "test_collection",
		Dimension:  768,
	}

	client, err := storage.NewQdrant(cfg)
	require.NoError(t, err)

	err = client.DeletePointsByRunUUID(context.Background(), "run-abc-123")
	require.NoError(t, err, "按运行UUID删除应成功")

	// 删除请求必须是过滤器删除，只影响该运行的点
	filter, ok := deleteBody["filter"].(map[string]interface{})
	require.True(t, ok, "删除请求应包含filter")
	must, ok := filter["must"].([]interface{})
	require.True(t, ok)
	require.Len(t, must, 1)
	cond := must[0].(map[string]interface{})
	assert.Equal(t, "run_uuid", cond["key"])
	match := cond["match"].(map[string]interface{})
	assert.Equal(t, "run-abc-123", match["value"])

	// 空runUUID应拒绝，防止误删整个集合
	err = client.DeletePointsByRunUUID(context.Background(), "")
	require.Error(t, err, "空runUUID应返回错误")
}

// TestQdrant_GetVectorsByRunUUID 测试按运行UUID滚动拉取向量点
func TestQdrant_GetVectorsByRunUUID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/test_collection" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"result": {"config": {"params": {"vectors": {"size": 768, "distance": "Cosine"}}}}}`))
			return
		}

		if r.URL.Path == "/collections/test_collection/points/scroll" && r.Method == "POST" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{
				"result": {
					"points": [
						{"id": "p1", "payload": {"run_uuid": "run-1", "chunk_index": 0}},
						{"id": "p2", "payload": {"run_uuid": "run-1", "chunk_index": 1}}
					]
				},
				"status": "ok",
				"time": 0.001
			}`))
			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := &config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "test_collection",
		Dimension:  768,
	}

	client, err := storage.NewQdrant(cfg)
	require.NoError(t, err)

	results, err := client.GetVectorsByRunUUID(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, results, 2, "应返回两个向量点")
	assert.Equal(t, "p1", results[0].ID)
	assert.Equal(t, float64(1), results[1].Payload["chunk_index"])
}
