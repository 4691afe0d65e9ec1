package bc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"bcsync/internal/config"
	"bcsync/internal/httpclient"
	"bcsync/internal/models"

	"github.com/rs/zerolog"
)

const (
	projectsSet = "projects"
	tasksSet    = "projectTasks"
)

// defaultFeedSets are tried in order when bc.change_feed_sets is empty; the
// change feed entity set name differs between extension versions.
var defaultFeedSets = []string{"projectChanges", "projectChangeFeed", "jobChanges", "projectChangeEntries"}

// Client talks to the ERP custom project API.
type Client struct {
	api      *httpclient.Client
	cfg      config.BCConfig
	pageSize int
	maxPages int
	logger   *zerolog.Logger

	mu       sync.Mutex
	meta     *metadata
	feedSet  string
	fieldSet map[string]bool
}

func New(cfg config.BCConfig, pageSize, maxPages int, api *httpclient.Client, logger *zerolog.Logger) *Client {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Client{
		api:      api,
		cfg:      cfg,
		pageSize: pageSize,
		maxPages: maxPages,
		logger:   logger,
	}
}

// apiRoot is the service root that serves $metadata.
func (c *Client) apiRoot() string {
	parts := []string{strings.TrimRight(c.cfg.BaseURL, "/")}
	for _, p := range []string{c.cfg.OAuth.TenantID, c.cfg.Environment, strings.Trim(c.cfg.APIPath, "/")} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

func (c *Client) companyRoot() string {
	return fmt.Sprintf("%s/companies(%s)", c.apiRoot(), c.cfg.CompanyID)
}

func (c *Client) setURL(set string, query url.Values) string {
	u := c.companyRoot() + "/" + set
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (c *Client) list(ctx context.Context, set string, query url.Values, fn func(raw json.RawMessage) error) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("$top", fmt.Sprint(c.pageSize))
	_, err := c.api.Paginate(ctx, c.setURL(set, query), nil, c.maxPages, func(items []json.RawMessage) error {
		for _, raw := range items {
			if err := fn(raw); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (c *Client) ListProjects(ctx context.Context) ([]models.BCProject, error) {
	var out []models.BCProject
	err := c.list(ctx, projectsSet, nil, func(raw json.RawMessage) error {
		var p models.BCProject
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode project: %w", err)
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// GetProject looks a project up by number; nil without error when absent.
func (c *Client) GetProject(ctx context.Context, projectNo string) (*models.BCProject, error) {
	q := url.Values{}
	q.Set("$filter", "no eq "+quote(projectNo))
	var page struct {
		Value []models.BCProject `json:"value"`
	}
	if _, err := c.api.GetJSON(ctx, c.setURL(projectsSet, q), nil, &page); err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return nil, nil
	}
	return &page.Value[0], nil
}

// GetProjectByID returns nil without error when the record does not exist.
func (c *Client) GetProjectByID(ctx context.Context, systemID string) (*models.BCProject, error) {
	var p models.BCProject
	if _, err := c.api.GetJSON(ctx, c.setURL(fmt.Sprintf("%s(%s)", projectsSet, systemID), nil), nil, &p); err != nil {
		if httpclient.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (c *Client) listTasks(ctx context.Context, filter string) ([]*models.BCTask, error) {
	q := url.Values{}
	q.Set("$filter", filter)
	var out []*models.BCTask
	err := c.list(ctx, tasksSet, q, func(raw json.RawMessage) error {
		var t models.BCTask
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &t)
		return nil
	})
	return out, err
}

func (c *Client) ListProjectTasks(ctx context.Context, projectNo string) ([]*models.BCTask, error) {
	return c.listTasks(ctx, "projectNo eq "+quote(projectNo))
}

// ListTasksByCounterpart finds ERP tasks linked to the given counterpart id.
func (c *Client) ListTasksByCounterpart(ctx context.Context, counterpartID string) ([]*models.BCTask, error) {
	return c.listTasks(ctx, "plannerTaskId eq "+quote(counterpartID))
}

// GetTask returns nil without error when the record does not exist.
func (c *Client) GetTask(ctx context.Context, systemID string) (*models.BCTask, error) {
	var t models.BCTask
	if _, err := c.api.GetJSON(ctx, c.setURL(fmt.Sprintf("%s(%s)", tasksSet, systemID), nil), nil, &t); err != nil {
		if httpclient.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// PatchTask writes fields guarded by etag and returns the updated record.
func (c *Client) PatchTask(ctx context.Context, systemID, etag string, fields map[string]any) (*models.BCTask, error) {
	if etag == "" {
		etag = "*"
	}
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method:  http.MethodPatch,
		URL:     c.setURL(fmt.Sprintf("%s(%s)", tasksSet, systemID), nil),
		Body:    fields,
		Headers: map[string]string{"If-Match": etag},
	})
	if err != nil {
		return nil, err
	}
	var t models.BCTask
	if err := resp.Decode(&t); err != nil {
		return nil, err
	}
	if t.SystemID == "" {
		fresh, err := c.GetTask(ctx, systemID)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, fmt.Errorf("task %s vanished after patch", systemID)
		}
		return fresh, nil
	}
	if t.ETag == "" {
		t.ETag = resp.ETag()
	}
	return &t, nil
}

// ChangesSince reads the change feed after sequenceNo and returns the changes
// plus the highest sequence number observed. Hitting the page cap returns
// what was read so far; the remainder is picked up by the next call.
func (c *Client) ChangesSince(ctx context.Context, sequenceNo int64) ([]models.BCChange, int64, error) {
	set, err := c.ChangeFeedSet(ctx)
	if err != nil {
		return nil, sequenceNo, err
	}
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("sequenceNo gt %d", sequenceNo))
	q.Set("$orderby", "sequenceNo asc")

	last := sequenceNo
	var changes []models.BCChange
	err = c.list(ctx, set, q, func(raw json.RawMessage) error {
		var ch models.BCChange
		if err := json.Unmarshal(raw, &ch); err != nil {
			return fmt.Errorf("decode change: %w", err)
		}
		changes = append(changes, ch)
		if ch.SequenceNo > last {
			last = ch.SequenceNo
		}
		return nil
	})
	if errors.Is(err, httpclient.ErrTooManyPages) {
		c.logger.Warn().Int("pages", c.maxPages).Int64("last_sequence_no", last).
			Msg("change feed page cap reached, continuing next pass")
		err = nil
	}
	if err != nil {
		return nil, sequenceNo, err
	}
	return changes, last, nil
}
