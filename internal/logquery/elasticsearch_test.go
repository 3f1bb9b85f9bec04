package logquery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/deployprobe/internal/models"
)

func TestBuildSearchBodyRequestQuery(t *testing.T) {
	q := RequestQuery("cloud_run_revision", "svc-a", "/telegram", 10*time.Minute, testNow, 30)

	body, err := BuildSearchBody(q)
	require.NoError(t, err)

	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"size": 30,
		"sort": [{"timestamp": {"order": "desc"}}],
		"query": {"bool": {
			"filter": [
				{"term": {"service": "svc-a"}},
				{"range": {"timestamp": {"gte": "2026-01-02T02:54:05Z"}}}
			],
			"must": [
				{"wildcard": {"path": {"value": "*/telegram*"}}}
			]
		}}
	}`, string(encoded))
}

func TestBuildSearchBodyErrorQuery(t *testing.T) {
	q := ErrorQuery("cloud_run_revision", "svc-a", []string{"Traceback"}, 30)

	body, err := BuildSearchBody(q)
	require.NoError(t, err)

	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"size": 30,
		"sort": [{"timestamp": {"order": "desc"}}],
		"query": {"bool": {
			"filter": [{"term": {"service": "svc-a"}}],
			"should": [
				{"bool": {"should": [
					{"terms": {"level": [
						"ERROR", "error", "Error", "ERR", "err", "Err",
						"CRITICAL", "critical", "Critical", "FATAL", "fatal", "Fatal",
						"ALERT", "alert", "Alert", "PANIC", "panic", "Panic",
						"EMERGENCY", "emergency", "Emergency"
					]}},
					{"range": {"status_code": {"gte": 500}}}
				], "minimum_should_match": 1}},
				{"match_phrase": {"message": "Traceback"}}
			],
			"minimum_should_match": 1
		}}
	}`, string(encoded))
}

func TestBuildSearchBodyScopedToApp(t *testing.T) {
	body, err := BuildSearchBody(ErrorQuery("", "web", nil, 5).ForApp("app-1"))
	require.NoError(t, err)

	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"filter":[{"term":{"app_id":"app-1"}},{"term":{"service":"web"}}]`)
}

func TestBuildSearchBodyUnsupportedLabel(t *testing.T) {
	_, err := BuildSearchBody(Query{Labels: map[string]string{"location": "x"}, Limit: 1})
	assert.ErrorIs(t, err, ErrUnsupportedLabel)
}

func TestLevelSpellingsMatchAnyCase(t *testing.T) {
	spellings := levelSpellings(models.SeverityError)
	for _, level := range []string{"ERROR", "error", "Error", "fatal", "Critical"} {
		assert.Contains(t, spellings, level)
	}
	assert.NotContains(t, spellings, "warn")
	assert.NotContains(t, spellings, "INFO")
}

func TestStatusFloor(t *testing.T) {
	assert.Equal(t, 100, statusFloor(models.SeverityDebug))
	assert.Equal(t, 400, statusFloor(models.SeverityNotice))
	assert.Equal(t, 500, statusFloor(models.SeverityError))
	assert.Equal(t, 0, statusFloor(models.SeverityCritical))
}

func TestElasticsearchQuery(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/requests/_search" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"hits": {"hits": [
			{"_source": {"timestamp": "2026-01-02T03:04:00Z", "status_code": 502, "method": "POST", "path": "/telegram", "service": "svc-a", "request_id": "r1"}},
			{"_source": {"timestamp": "2026-01-02T03:03:00Z", "status_code": 200, "method": "POST", "path": "/telegram", "service": "svc-a", "request_id": "r2"}},
			{"_source": {"timestamp": "2026-01-02T03:02:00Z", "level": "warn", "message": "slow update", "service": "svc-a"}}
		]}}`))
	}))
	defer srv.Close()

	source, err := NewElasticsearchSource(ElasticsearchConfig{
		Addresses: []string{srv.URL},
		Index:     "requests",
	}, srv.Client(), nil)
	require.NoError(t, err)

	cursor, err := source.Query(context.Background(), RequestQuery("cloud_run_revision", "svc-a", "/telegram", 10*time.Minute, testNow, 2))
	require.NoError(t, err)

	records, err := Collect(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, records, 2, "limit applies even when the index returns more")

	assert.Equal(t, 502, records[0].Status)
	assert.Equal(t, models.SeverityError, records[0].Severity)
	assert.Equal(t, "/telegram", records[0].URL)
	assert.Equal(t, models.SeverityInfo, records[1].Severity)
	assert.EqualValues(t, 2, gotBody["size"])
}

func TestElasticsearchQueryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"type": "index_not_found_exception"}, "status": 404}`))
	}))
	defer srv.Close()

	source, err := NewElasticsearchSource(ElasticsearchConfig{Addresses: []string{srv.URL}, Index: "missing"}, srv.Client(), nil)
	require.NoError(t, err)

	_, err = source.Query(context.Background(), ErrorQuery("cloud_run_revision", "svc-a", nil, 30))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index_not_found_exception")
}

func TestEsDocumentSeverityFromLevel(t *testing.T) {
	rec := esDocument{Level: "warn", Message: "slow update"}.record()
	assert.Equal(t, models.SeverityWarning, rec.Severity)
	assert.False(t, rec.IsRequest())
}
