package premium

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"bcsync/internal/httpclient"
	"bcsync/internal/models"
)

// FindBookableResource resolves a display name to a bookable resource id.
// Results, including misses, are memoized for the life of the client.
func (c *Client) FindBookableResource(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	key := strings.ToLower(name)

	c.mu.Lock()
	id, ok := c.resources[key]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	q := url.Values{}
	q.Set("$filter", "name eq "+quote(name))
	q.Set("$select", "bookableresourceid,name")
	q.Set("$top", "1")
	rec, err := c.first(ctx, ResourcesSet, q)
	if err != nil {
		return "", fmt.Errorf("find bookable resource %q: %w", name, err)
	}
	id = rec.GetString("bookableresourceid")

	c.mu.Lock()
	c.resources[key] = id
	c.mu.Unlock()
	return id, nil
}

// EnsureTeamMember returns the project team member for the resource, creating
// it when the project has none.
func (c *Client) EnsureTeamMember(ctx context.Context, projectID, resourceID, name string) (string, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("_msdyn_project_value eq %s and _msdyn_bookableresourceid_value eq %s", projectID, resourceID))
	q.Set("$select", "msdyn_projectteamid")
	q.Set("$top", "1")
	rec, err := c.first(ctx, TeamsSet, q)
	if err != nil {
		return "", fmt.Errorf("look up team member: %w", err)
	}
	if id := rec.GetString("msdyn_projectteamid"); id != "" {
		return id, nil
	}

	created, err := c.create(ctx, TeamsSet, map[string]any{
		"msdyn_name":                          name,
		FieldProjectBind:                      ProjectBind(projectID),
		"msdyn_bookableresourceid@odata.bind": "/" + ResourcesSet + "(" + resourceID + ")",
	})
	if err != nil {
		return "", fmt.Errorf("create team member: %w", err)
	}
	return created.GetString("msdyn_projectteamid"), nil
}

// EnsureResourceAssignment assigns the team member to the task unless an
// assignment already exists.
func (c *Client) EnsureResourceAssignment(ctx context.Context, projectID, taskID, teamMemberID, resourceID string) error {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("_msdyn_taskid_value eq %s and _msdyn_projectteamid_value eq %s", taskID, teamMemberID))
	q.Set("$select", "msdyn_resourceassignmentid")
	q.Set("$top", "1")
	rec, err := c.first(ctx, AssignmentsSet, q)
	if err != nil {
		return fmt.Errorf("look up resource assignment: %w", err)
	}
	if rec.GetString("msdyn_resourceassignmentid") != "" {
		return nil
	}

	_, err = c.create(ctx, AssignmentsSet, map[string]any{
		"msdyn_name":                          "Assignment",
		"msdyn_projectid@odata.bind":          ProjectBind(projectID),
		"msdyn_taskid@odata.bind":             "/" + TasksSet + "(" + taskID + ")",
		"msdyn_projectteamid@odata.bind":      "/" + TeamsSet + "(" + teamMemberID + ")",
		"msdyn_bookableresourceid@odata.bind": "/" + ResourcesSet + "(" + resourceID + ")",
	})
	if err != nil {
		return fmt.Errorf("create resource assignment: %w", err)
	}
	return nil
}

// first returns the first record of a filtered query, or an empty record.
func (c *Client) first(ctx context.Context, set string, q url.Values) (models.Record, error) {
	var page struct {
		Value []models.Record `json:"value"`
	}
	if _, err := c.api.GetJSON(ctx, c.url(set, q), nil, &page); err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return models.Record{}, nil
	}
	return page.Value[0], nil
}

func (c *Client) create(ctx context.Context, set string, body map[string]any) (models.Record, error) {
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		URL:     c.url(set, nil),
		Body:    body,
		Headers: map[string]string{"Prefer": "return=representation"},
	})
	if err != nil {
		return nil, err
	}
	var rec models.Record
	if err := resp.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}
