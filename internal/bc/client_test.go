package bc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"bcsync/internal/config"
	"bcsync/internal/httpclient"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMetadata = `<?xml version="1.0" encoding="utf-8"?>
<edmx:Edmx Version="4.0" xmlns:edmx="http://docs.oasis-open.org/odata/ns/edmx">
  <edmx:DataServices>
    <Schema Namespace="Microsoft.NAV" xmlns="http://docs.oasis-open.org/odata/ns/edm">
      <EntityType Name="projectTask">
        <Property Name="systemId" Type="Edm.Guid" />
        <Property Name="description" Type="Edm.String" />
        <Property Name="plannerTaskId" Type="Edm.String" />
        <Property Name="syncLock" Type="Edm.Boolean" />
      </EntityType>
      <EntityType Name="projectChangeFeed">
        <Property Name="sequenceNo" Type="Edm.Int64" />
      </EntityType>
      <EntityContainer Name="default">
        <EntitySet Name="projectTasks" EntityType="Microsoft.NAV.projectTask" />
        <EntitySet Name="projectChangeFeed" EntityType="Microsoft.NAV.projectChangeFeed" />
      </EntityContainer>
    </Schema>
  </edmx:DataServices>
</edmx:Edmx>`

const companyPath = "/t1/prod/api/acme/v1.0/companies(c1)"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	api := httpclient.New(httpclient.Options{System: "bc", HTTPClient: srv.Client()})
	cfg := config.BCConfig{
		BaseURL:     srv.URL,
		Environment: "prod",
		CompanyID:   "c1",
		APIPath:     "/api/acme/v1.0/",
		OAuth:       config.OAuthConfig{TenantID: "t1"},
	}
	return New(cfg, 2, 10, api, &logger)
}

func TestClient_URLs(t *testing.T) {
	c := New(config.BCConfig{BaseURL: "https://erp/v2.0/", CompanyID: "c1", APIPath: "api/v2.0"}, 0, 0, nil, nil)
	assert.Equal(t, "https://erp/v2.0/api/v2.0", c.apiRoot())
	assert.Equal(t, "https://erp/v2.0/api/v2.0/companies(c1)/projects", c.setURL(projectsSet, nil))
	assert.Equal(t, "/api/v2.0/companies(c1)/projectTasks", c.TaskResource())
	assert.Equal(t, "https://erp/v2.0/api/v2.0/subscriptions", c.subscriptionsURL())
	assert.Equal(t, 200, c.pageSize)
	assert.Equal(t, "'O''Brien'", quote("O'Brien"))
}

func TestClient_ListProjectTasksPaginates(t *testing.T) {
	var srvURL string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, companyPath+"/projectTasks", r.URL.Path)
		if r.URL.Query().Get("page") == "2" {
			_, _ = io.WriteString(w, `{"value":[{"systemId":"s3","projectNo":"P1","taskNo":"300"}]}`)
			return
		}
		assert.Equal(t, "projectNo eq 'P1'", r.URL.Query().Get("$filter"))
		assert.Equal(t, "2", r.URL.Query().Get("$top"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{"systemId": "s1", "projectNo": "P1", "taskNo": "100", "percentComplete": 50},
				{"systemId": "s2", "projectNo": "P1", "taskNo": "200"},
			},
			"@odata.nextLink": srvURL + companyPath + "/projectTasks?page=2",
		})
	})
	srvURL = strings.TrimSuffix(c.cfg.BaseURL, "/")

	tasks, err := c.ListProjectTasks(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, 50.0, tasks[0].PercentComplete)
	assert.Equal(t, "300", tasks[2].TaskNo)
}

func TestClient_GetProjectMissing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "no eq 'P9'", r.URL.Query().Get("$filter"))
		_, _ = io.WriteString(w, `{"value":[]}`)
	})
	p, err := c.GetProject(context.Background(), "P9")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestClient_GetTaskMissing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, companyPath+"/projectTasks(s404)", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})
	task, err := c.GetTask(context.Background(), "s404")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClient_PatchTask(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			assert.Equal(t, companyPath+"/projectTasks(s1)", r.URL.Path)
			assert.Equal(t, `W/"1"`, r.Header.Get("If-Match"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, true, body["syncLock"])
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			_, _ = io.WriteString(w, `{"systemId":"s1","@odata.etag":"W/\"2\"","syncLock":true}`)
		}
	})

	task, err := c.PatchTask(context.Background(), "s1", `W/"1"`, map[string]any{"syncLock": true})
	require.NoError(t, err)
	assert.Equal(t, `W/"2"`, task.ETag)
	assert.True(t, task.SyncLock)
}

func TestClient_PatchTaskConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "*", r.Header.Get("If-Match"))
		w.WriteHeader(http.StatusPreconditionFailed)
	})
	_, err := c.PatchTask(context.Background(), "s1", "", map[string]any{"syncLock": true})
	require.Error(t, err)
	assert.True(t, httpclient.IsPreconditionFailed(err))
}

func TestClient_MetadataDrivenLookups(t *testing.T) {
	var metadataCalls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/$metadata") {
			atomic.AddInt32(&metadataCalls, 1)
			assert.Equal(t, "/t1/prod/api/acme/v1.0/$metadata", r.URL.Path)
			w.Header().Set("Content-Type", "application/xml")
			_, _ = io.WriteString(w, testMetadata)
			return
		}
		assert.Equal(t, companyPath+"/projectChangeFeed", r.URL.Path)
		assert.Equal(t, "sequenceNo gt 10", r.URL.Query().Get("$filter"))
		assert.Equal(t, "sequenceNo asc", r.URL.Query().Get("$orderby"))
		_, _ = io.WriteString(w, `{"value":[{"sequenceNo":11,"projectNo":"P1"},{"sequenceNo":14,"projectNo":"P2"}]}`)
	})
	ctx := context.Background()

	ok, err := c.HasTaskField(ctx, "syncLock")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.HasTaskField(ctx, "lastPlannerEtag")
	require.NoError(t, err)
	assert.False(t, ok)

	changes, last, err := c.ChangesSince(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.Equal(t, int64(14), last)
	assert.Equal(t, int32(1), atomic.LoadInt32(&metadataCalls))
}

func TestClient_ChangeFeedPageCap(t *testing.T) {
	var srvURL string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/$metadata") {
			_, _ = io.WriteString(w, testMetadata)
			return
		}
		n := r.URL.Query().Get("n")
		if n == "" {
			n = "0"
		}
		var next int
		_, _ = fmt.Sscan(n, &next)
		next++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value":           []map[string]any{{"sequenceNo": next, "projectNo": "P1"}},
			"@odata.nextLink": fmt.Sprintf("%s%s/projectChangeFeed?n=%d", srvURL, companyPath, next),
		})
	})
	srvURL = c.cfg.BaseURL
	c.maxPages = 3

	changes, last, err := c.ChangesSince(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, changes, 3)
	assert.Equal(t, int64(3), last)
}

func TestClient_NoChangeFeedSet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<edmx:Edmx xmlns:edmx="http://docs.oasis-open.org/odata/ns/edmx"><edmx:DataServices/></edmx:Edmx>`)
	})
	_, last, err := c.ChangesSince(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, int64(7), last)
}

func TestClient_HasTaskFieldSamplesWhenMetadataFails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/$metadata") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "1", r.URL.Query().Get("$top"))
		_, _ = io.WriteString(w, `{"value":[{"@odata.etag":"x","systemId":"s1","lastSyncAt":""}]}`)
	})
	ok, err := c.HasTaskField(context.Background(), "lastSyncAt")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.HasTaskField(context.Background(), "@odata.etag")
	assert.False(t, ok)
}

func TestClient_EmptyTaskSampleIsNotCached(t *testing.T) {
	var samples int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/$metadata") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if atomic.AddInt32(&samples, 1) == 1 {
			_, _ = io.WriteString(w, `{"value":[]}`)
			return
		}
		_, _ = io.WriteString(w, `{"value":[{"systemId":"s1","syncLock":false}]}`)
	})
	ctx := context.Background()
	ok, err := c.HasTaskField(ctx, "syncLock")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.HasTaskField(ctx, "syncLock")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.HasTaskField(ctx, "syncLock")
	assert.True(t, ok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&samples))
}

func TestClient_Subscriptions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "/t1/prod/api/v2.0/subscriptions", r.URL.Path)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "secret", body["clientState"])
			assert.Equal(t, "/api/acme/v1.0/companies(c1)/projectTasks", body["resource"])
			_, _ = io.WriteString(w, `{"subscriptionId":"sub1","resource":"/api/acme/v1.0/companies(c1)/projectTasks","notificationUrl":"https://hook","expirationDateTime":"2025-03-01T00:00:00Z","@odata.etag":"W/\"1\""}`)
		case http.MethodPatch:
			assert.Equal(t, "/t1/prod/api/v2.0/subscriptions('sub1')", r.URL.Path)
			assert.Equal(t, `W/"1"`, r.Header.Get("If-Match"))
			_, _ = io.WriteString(w, `{"expirationDateTime":"2025-03-04T00:00:00Z","@odata.etag":"W/\"2\""}`)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	sub, err := c.CreateSubscription(ctx, c.TaskResource(), "https://hook", "secret")
	require.NoError(t, err)
	assert.Equal(t, "sub1", sub.ID)
	assert.Equal(t, 2025, sub.ExpirationDateTime.Year())

	renewed, err := c.RenewSubscription(ctx, *sub, "secret")
	require.NoError(t, err)
	assert.Equal(t, "sub1", renewed.ID)
	assert.Equal(t, 4, renewed.ExpirationDateTime.Day())

	assert.NoError(t, c.DeleteSubscription(ctx, *renewed))
}
