package premium

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bcsync/internal/domain"
	"bcsync/internal/httpclient"
)

// ScheduleAPIAvailable is false once the operation-set endpoints have
// reported that they are not supported by this environment.
func (c *Client) ScheduleAPIAvailable() bool {
	return !c.scheduleDown.Load()
}

// unsupported reports whether err means the schedule API does not exist here,
// as opposed to a failure of one call.
func unsupported(err error) bool {
	var httpErr *httpclient.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.Status == http.StatusNotFound {
		return true
	}
	if httpErr.Status == http.StatusBadRequest {
		body := strings.ToLower(httpErr.Body)
		return strings.Contains(body, "not supported") || strings.Contains(body, "does not exist") ||
			strings.Contains(body, "could not find")
	}
	return false
}

func (c *Client) action(ctx context.Context, name string, body map[string]any, out any) error {
	if c.scheduleDown.Load() {
		return domain.ErrScheduleAPIUnavailable
	}
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    c.url(name, nil),
		Body:   body,
	})
	if err != nil {
		if unsupported(err) {
			if !c.scheduleDown.Swap(true) {
				c.logger.Warn().Err(err).Str("action", name).Msg("schedule api unavailable, falling back to direct writes")
			}
			return fmt.Errorf("%s: %w", name, domain.ErrScheduleAPIUnavailable)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return resp.Decode(out)
}

func (c *Client) CreateOperationSet(ctx context.Context, projectID, description string) (string, error) {
	var out struct {
		OperationSetID string `json:"OperationSetId"`
	}
	err := c.action(ctx, "msdyn_CreateOperationSetV1", map[string]any{
		"ProjectId":   projectID,
		"Description": description,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.OperationSetID == "" {
		return "", errors.New("msdyn_CreateOperationSetV1: response carried no operation set id")
	}
	return out.OperationSetID, nil
}

func entity(fields map[string]any) map[string]any {
	e := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		e[k] = v
	}
	e["@odata.type"] = taskEntityType
	return e
}

// PssCreate stages a task create. fields must carry the pre-generated task id.
func (c *Client) PssCreate(ctx context.Context, operationSetID string, fields map[string]any) error {
	return c.action(ctx, "msdyn_PssCreateV1", map[string]any{
		"Entity":         entity(fields),
		"OperationSetId": operationSetID,
	}, nil)
}

func (c *Client) PssUpdate(ctx context.Context, operationSetID, taskID string, fields map[string]any) error {
	e := entity(fields)
	e[FieldTaskID] = taskID
	return c.action(ctx, "msdyn_PssUpdateV1", map[string]any{
		"Entity":         e,
		"OperationSetId": operationSetID,
	}, nil)
}

// ExecuteOperationSet applies every staged write of the set in one transaction.
func (c *Client) ExecuteOperationSet(ctx context.Context, operationSetID string) error {
	return c.action(ctx, "msdyn_ExecuteOperationSetV1", map[string]any{
		"OperationSetId": operationSetID,
	}, nil)
}
