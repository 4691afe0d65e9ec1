package planner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"bcsync/internal/config"
	"bcsync/internal/httpclient"
	"bcsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	api := httpclient.New(httpclient.Options{System: "planner", HTTPClient: srv.Client()})
	return New(config.PlannerConfig{BaseURL: srv.URL + "/v1.0", GroupID: "g1"}, 5, api, &logger), srv.URL
}

func TestClient_PlansAndBuckets(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1.0/groups/g1/planner/plans":
			_, _ = io.WriteString(w, `{"value":[{"id":"plan1","title":"P-100 - Tower"}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v1.0/planner/plans":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "P-200 - Mall", body["title"])
			container := body["container"].(map[string]any)
			assert.Equal(t, "g1", container["containerId"])
			_, _ = io.WriteString(w, `{"id":"plan2","title":"P-200 - Mall"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1.0/planner/plans/plan2/buckets":
			_, _ = io.WriteString(w, `{"value":[{"id":"b1","name":"Installation","planId":"plan2"}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v1.0/planner/buckets":
			_, _ = io.WriteString(w, `{"id":"b2","name":"Change Orders","planId":"plan2"}`)
		case r.URL.Path == "/v1.0/planner/plans/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	ctx := context.Background()

	plans, err := c.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	plan, err := c.CreatePlan(ctx, "P-200 - Mall")
	require.NoError(t, err)
	assert.Equal(t, "plan2", plan.ID)

	buckets, err := c.ListBuckets(ctx, "plan2")
	require.NoError(t, err)
	assert.Equal(t, "Installation", buckets[0].Name)

	bucket, err := c.CreateBucket(ctx, "plan2", "Change Orders")
	require.NoError(t, err)
	assert.Equal(t, "b2", bucket.ID)

	missing, err := c.GetPlan(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClient_TaskWrites(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.NotContains(t, body, "id")
			assert.Equal(t, float64(50), body["percentComplete"])
			_, _ = io.WriteString(w, `{"id":"task1","@odata.etag":"W/\"a\"","planId":"plan1","title":"Framing","percentComplete":50}`)
		case http.MethodGet:
			_, _ = io.WriteString(w, `{"id":"task1","@odata.etag":"W/\"a\""}`)
		case http.MethodPatch:
			assert.Equal(t, `W/"a"`, r.Header.Get("If-Match"))
			_, _ = io.WriteString(w, `{"id":"task1","@odata.etag":"W/\"b\""}`)
		}
	})
	ctx := context.Background()

	start := "2025-05-01T00:00:00Z"
	created, err := c.CreateTask(ctx, models.PlannerTask{ID: "ignored", PlanID: "plan1", Title: "Framing", PercentComplete: 50, StartDateTime: &start})
	require.NoError(t, err)
	assert.Equal(t, "task1", created.ID)

	etag, err := c.UpdateTask(ctx, "task1", "", map[string]any{"percentComplete": 100})
	require.NoError(t, err)
	assert.Equal(t, `W/"b"`, etag)
}

func TestClient_UpdateMissingTask(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.UpdateTask(context.Background(), "task9", "", map[string]any{"title": "x"})
	require.Error(t, err)
	assert.True(t, httpclient.IsNotFound(err))
}

func TestClient_DeltaTasks(t *testing.T) {
	var base string
	c, base := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$deltatoken") == "t1" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{
					{"id": "task1", "percentComplete": 100},
					{"id": "task2", "@removed": map[string]string{"reason": "deleted"}},
				},
				"@odata.deltaLink": base + "/v1.0/planner/plans/plan1/tasks/delta?$deltatoken=t2",
			})
			return
		}
		assert.Equal(t, "/v1.0/planner/plans/plan1/tasks/delta", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value":           []map[string]any{{"id": "task1", "percentComplete": 0}},
			"@odata.nextLink": base + "/v1.0/planner/plans/plan1/tasks/delta?$deltatoken=t1",
		})
	})

	tasks, link, err := c.DeltaTasks(context.Background(), "plan1", "")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, 100, tasks[1].PercentComplete)
	assert.False(t, tasks[1].Removed)
	assert.True(t, tasks[2].Removed)
	assert.Equal(t, base+"/v1.0/planner/plans/plan1/tasks/delta?$deltatoken=t2", link)
}
