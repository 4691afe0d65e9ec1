package premium

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"bcsync/internal/config"
	"bcsync/internal/httpclient"
	"bcsync/internal/models"

	"github.com/rs/zerolog"
)

// Client talks to the entity-store Web API.
type Client struct {
	api      *httpclient.Client
	cfg      config.PremiumConfig
	pageSize int
	maxPages int
	logger   *zerolog.Logger

	scheduleDown atomic.Bool

	mu        sync.Mutex
	resources map[string]string
}

func New(cfg config.PremiumConfig, pageSize, maxPages int, api *httpclient.Client, logger *zerolog.Logger) *Client {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Client{
		api:       api,
		cfg:       cfg,
		pageSize:  pageSize,
		maxPages:  maxPages,
		logger:    logger,
		resources: make(map[string]string),
	}
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("%s/api/data/%s/", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.APIVersion)
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) pageHeaders(extra ...string) map[string]string {
	prefer := append([]string{fmt.Sprintf("odata.maxpagesize=%d", c.pageSize)}, extra...)
	return map[string]string{"Prefer": strings.Join(prefer, ",")}
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (c *Client) taskSelect() string {
	fields := []string{FieldTaskID, FieldSubject, FieldStart, FieldEnd, FieldProgress, FieldProjectRef, FieldModifiedOn}
	if c.cfg.TaskNumberField != "" {
		fields = append(fields, c.cfg.TaskNumberField)
	}
	return strings.Join(fields, ",")
}

// FindProjectByNumber returns nil without error when no project has the number.
func (c *Client) FindProjectByNumber(ctx context.Context, projectNo string) (*models.PremiumProject, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("%s eq %s", c.cfg.ProjectNumberField, quote(projectNo)))
	q.Set("$select", strings.Join([]string{FieldProjectID, FieldSubject, c.cfg.ProjectNumberField}, ","))
	q.Set("$top", "1")
	var page struct {
		Value []models.Record `json:"value"`
	}
	if _, err := c.api.GetJSON(ctx, c.url(ProjectsSet, q), nil, &page); err != nil {
		return nil, fmt.Errorf("find project %s: %w", projectNo, err)
	}
	if len(page.Value) == 0 {
		return nil, nil
	}
	return decodeProject(page.Value[0], c.cfg.ProjectNumberField), nil
}

// GetProject returns nil without error when the project does not exist.
func (c *Client) GetProject(ctx context.Context, id string) (*models.PremiumProject, error) {
	var rec models.Record
	if _, err := c.api.GetJSON(ctx, c.url(fmt.Sprintf("%s(%s)", ProjectsSet, id), nil), nil, &rec); err != nil {
		if httpclient.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeProject(rec, c.cfg.ProjectNumberField), nil
}

func (c *Client) CreateProject(ctx context.Context, projectNo, subject string) (*models.PremiumProject, error) {
	if subject == "" {
		subject = projectNo
	}
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    c.url(ProjectsSet, nil),
		Body: map[string]any{
			FieldSubject:             subject,
			c.cfg.ProjectNumberField: projectNo,
		},
		Headers: map[string]string{"Prefer": "return=representation"},
	})
	if err != nil {
		return nil, fmt.Errorf("create project %s: %w", projectNo, err)
	}
	var rec models.Record
	if err := resp.Decode(&rec); err != nil {
		return nil, err
	}
	p := decodeProject(rec, c.cfg.ProjectNumberField)
	if p.ID == "" {
		return nil, fmt.Errorf("create project %s: response carried no id", projectNo)
	}
	return p, nil
}

func (c *Client) ListProjectTasks(ctx context.Context, projectID string) ([]*models.PremiumTask, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("%s eq %s", FieldProjectRef, projectID))
	q.Set("$select", c.taskSelect())
	var out []*models.PremiumTask
	_, err := c.api.Paginate(ctx, c.url(TasksSet, q), c.pageHeaders(), c.maxPages, func(items []json.RawMessage) error {
		for _, raw := range items {
			task, err := decodeTask(raw, c.cfg.TaskNumberField)
			if err != nil {
				return fmt.Errorf("decode task: %w", err)
			}
			out = append(out, task)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks of project %s: %w", projectID, err)
	}
	return out, nil
}

// GetTask returns nil without error when the task does not exist.
func (c *Client) GetTask(ctx context.Context, id string) (*models.PremiumTask, error) {
	q := url.Values{}
	q.Set("$select", c.taskSelect())
	resp, err := c.api.GetJSON(ctx, c.url(fmt.Sprintf("%s(%s)", TasksSet, id), q), nil, nil)
	if err != nil {
		if httpclient.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	task, err := decodeTask(resp.Body, c.cfg.TaskNumberField)
	if err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	if task.ETag == "" {
		task.ETag = resp.ETag()
	}
	return task, nil
}

func (c *Client) CreateTask(ctx context.Context, fields map[string]any) (*models.PremiumTask, error) {
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		URL:     c.url(TasksSet, nil),
		Body:    fields,
		Headers: map[string]string{"Prefer": "return=representation"},
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	task, err := decodeTask(resp.Body, c.cfg.TaskNumberField)
	if err != nil {
		return nil, fmt.Errorf("decode created task: %w", err)
	}
	if task.ID == "" {
		return nil, errors.New("create task: response carried no id")
	}
	if task.ETag == "" {
		task.ETag = resp.ETag()
	}
	return task, nil
}

// UpdateTask patches the task under If-Match and returns the new ETag.
func (c *Client) UpdateTask(ctx context.Context, id, etag string, fields map[string]any) (string, error) {
	if etag == "" {
		etag = "*"
	}
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method: http.MethodPatch,
		URL:    c.url(fmt.Sprintf("%s(%s)", TasksSet, id), nil),
		Body:   fields,
		Headers: map[string]string{
			"If-Match": etag,
			"Prefer":   "return=representation",
		},
	})
	if err != nil {
		return "", fmt.Errorf("update task %s: %w", id, err)
	}
	return resp.ETag(), nil
}

// Delta reads task changes since deltaLink, or starts change tracking when it
// is empty. When the page cap is hit the pending next link is returned as the
// new cursor so the following call resumes where this one stopped.
func (c *Client) Delta(ctx context.Context, deltaLink string) ([]*models.PremiumTask, string, error) {
	next := deltaLink
	if next == "" {
		q := url.Values{}
		q.Set("$select", c.taskSelect())
		next = c.url(TasksSet, q)
	}
	headers := c.pageHeaders("odata.track-changes")

	var out []*models.PremiumTask
	for pages := 0; next != ""; pages++ {
		if c.maxPages > 0 && pages >= c.maxPages {
			c.logger.Warn().Int("pages", pages).Msg("delta page cap reached, resuming next pass")
			return out, next, nil
		}
		var page httpclient.Page
		if _, err := c.api.GetJSON(ctx, next, headers, &page); err != nil {
			return nil, deltaLink, fmt.Errorf("task delta: %w", err)
		}
		for _, raw := range page.Value {
			task, err := decodeTask(raw, c.cfg.TaskNumberField)
			if err != nil {
				return nil, deltaLink, fmt.Errorf("decode delta task: %w", err)
			}
			out = append(out, task)
		}
		if page.DeltaLink != "" {
			return out, page.DeltaLink, nil
		}
		next = page.NextLink
	}
	return out, deltaLink, nil
}
