package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"bcsync/internal/config"
	"bcsync/internal/httpclient"
	"bcsync/internal/models"

	"github.com/rs/zerolog"
)

// Client talks to the task-board API of the configured group.
type Client struct {
	api      *httpclient.Client
	cfg      config.PlannerConfig
	maxPages int
	logger   *zerolog.Logger
}

func New(cfg config.PlannerConfig, maxPages int, api *httpclient.Client, logger *zerolog.Logger) *Client {
	return &Client{api: api, cfg: cfg, maxPages: maxPages, logger: logger}
}

func (c *Client) url(format string, args ...any) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + fmt.Sprintf(format, args...)
}

func (c *Client) ListPlans(ctx context.Context) ([]models.PlannerPlan, error) {
	var out []models.PlannerPlan
	_, err := c.api.Paginate(ctx, c.url("/groups/%s/planner/plans", c.cfg.GroupID), nil, c.maxPages, func(items []json.RawMessage) error {
		for _, raw := range items {
			var p models.PlannerPlan
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode plan: %w", err)
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return out, nil
}

// GetPlan returns nil without error when the plan does not exist.
func (c *Client) GetPlan(ctx context.Context, planID string) (*models.PlannerPlan, error) {
	var p models.PlannerPlan
	if _, err := c.api.GetJSON(ctx, c.url("/planner/plans/%s", planID), nil, &p); err != nil {
		if httpclient.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (c *Client) CreatePlan(ctx context.Context, title string) (*models.PlannerPlan, error) {
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    c.url("/planner/plans"),
		Body: map[string]any{
			"title": title,
			"container": map[string]string{
				"containerId": c.cfg.GroupID,
				"type":        "group",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create plan %q: %w", title, err)
	}
	var p models.PlannerPlan
	if err := resp.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListBuckets(ctx context.Context, planID string) ([]models.PlannerBucket, error) {
	var out []models.PlannerBucket
	_, err := c.api.Paginate(ctx, c.url("/planner/plans/%s/buckets", planID), nil, c.maxPages, func(items []json.RawMessage) error {
		for _, raw := range items {
			var b models.PlannerBucket
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("decode bucket: %w", err)
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list buckets of plan %s: %w", planID, err)
	}
	return out, nil
}

func (c *Client) CreateBucket(ctx context.Context, planID, name string) (*models.PlannerBucket, error) {
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    c.url("/planner/buckets"),
		Body: map[string]any{
			"name":      name,
			"planId":    planID,
			"orderHint": " !",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", name, err)
	}
	var b models.PlannerBucket
	if err := resp.Decode(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

func decodeTask(raw json.RawMessage) (*models.PlannerTask, error) {
	var t models.PlannerTask
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	var probe struct {
		Removed json.RawMessage `json:"@removed"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && len(probe.Removed) > 0 {
		t.Removed = true
	}
	return &t, nil
}

func (c *Client) ListTasks(ctx context.Context, planID string) ([]*models.PlannerTask, error) {
	var out []*models.PlannerTask
	_, err := c.api.Paginate(ctx, c.url("/planner/plans/%s/tasks", planID), nil, c.maxPages, func(items []json.RawMessage) error {
		for _, raw := range items {
			t, err := decodeTask(raw)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks of plan %s: %w", planID, err)
	}
	return out, nil
}

// GetTask returns nil without error when the task does not exist.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.PlannerTask, error) {
	resp, err := c.api.GetJSON(ctx, c.url("/planner/tasks/%s", taskID), nil, nil)
	if err != nil {
		if httpclient.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeTask(resp.Body)
}

func (c *Client) CreateTask(ctx context.Context, task models.PlannerTask) (*models.PlannerTask, error) {
	task.ID = ""
	task.ETag = ""
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    c.url("/planner/tasks"),
		Body:   task,
	})
	if err != nil {
		return nil, fmt.Errorf("create task %q: %w", task.Title, err)
	}
	return decodeTask(resp.Body)
}

// UpdateTask patches a task and returns its new ETag. The board rejects
// unconditional updates, so a missing etag is fetched first.
func (c *Client) UpdateTask(ctx context.Context, taskID, etag string, fields map[string]any) (string, error) {
	if etag == "" {
		current, err := c.GetTask(ctx, taskID)
		if err != nil {
			return "", err
		}
		if current == nil {
			return "", fmt.Errorf("update task %s: %w", taskID, &httpclient.HTTPError{
				System: "planner", Method: http.MethodGet, Path: "/planner/tasks/" + taskID, Status: http.StatusNotFound,
			})
		}
		etag = current.ETag
	}
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method: http.MethodPatch,
		URL:    c.url("/planner/tasks/%s", taskID),
		Body:   fields,
		Headers: map[string]string{
			"If-Match": etag,
			"Prefer":   "return=representation",
		},
	})
	if err != nil {
		return "", fmt.Errorf("update task %s: %w", taskID, err)
	}
	return resp.ETag(), nil
}

// DeltaTasks reads task changes of one plan since deltaLink. Hitting the page
// cap returns the pending next link as the cursor.
func (c *Client) DeltaTasks(ctx context.Context, planID, deltaLink string) ([]*models.PlannerTask, string, error) {
	next := deltaLink
	if next == "" {
		next = c.url("/planner/plans/%s/tasks/delta", planID)
	}
	var out []*models.PlannerTask
	for pages := 0; next != ""; pages++ {
		if c.maxPages > 0 && pages >= c.maxPages {
			c.logger.Warn().Str("plan_id", planID).Int("pages", pages).Msg("delta page cap reached, resuming next pass")
			return out, next, nil
		}
		var page httpclient.Page
		if _, err := c.api.GetJSON(ctx, next, nil, &page); err != nil {
			return nil, deltaLink, fmt.Errorf("task delta of plan %s: %w", planID, err)
		}
		for _, raw := range page.Value {
			t, err := decodeTask(raw)
			if err != nil {
				return nil, deltaLink, err
			}
			out = append(out, t)
		}
		if page.DeltaLink != "" {
			return out, page.DeltaLink, nil
		}
		next = page.NextLink
	}
	return out, deltaLink, nil
}
