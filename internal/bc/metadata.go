package bc

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"bcsync/internal/httpclient"
)

type edmx struct {
	Schemas []edmSchema `xml:"DataServices>Schema"`
}

type edmSchema struct {
	Namespace   string          `xml:"Namespace,attr"`
	EntityTypes []edmEntityType `xml:"EntityType"`
	Containers  []edmContainer  `xml:"EntityContainer"`
}

type edmEntityType struct {
	Name       string        `xml:"Name,attr"`
	Properties []edmProperty `xml:"Property"`
	NavProps   []edmProperty `xml:"NavigationProperty"`
}

type edmProperty struct {
	Name string `xml:"Name,attr"`
}

type edmContainer struct {
	EntitySets []edmEntitySet `xml:"EntitySet"`
}

type edmEntitySet struct {
	Name       string `xml:"Name,attr"`
	EntityType string `xml:"EntityType,attr"`
}

// metadata is the parsed subset of the service document the client needs.
type metadata struct {
	sets   map[string]string          // entity set -> unqualified type name
	fields map[string]map[string]bool // type name -> property names
}

func parseMetadata(data []byte) (*metadata, error) {
	var doc edmx
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse $metadata: %w", err)
	}
	m := &metadata{sets: map[string]string{}, fields: map[string]map[string]bool{}}
	for _, schema := range doc.Schemas {
		for _, et := range schema.EntityTypes {
			props := make(map[string]bool, len(et.Properties))
			for _, p := range et.Properties {
				props[p.Name] = true
			}
			m.fields[et.Name] = props
		}
		for _, c := range schema.Containers {
			for _, s := range c.EntitySets {
				typeName := s.EntityType
				if i := strings.LastIndex(typeName, "."); i >= 0 {
					typeName = typeName[i+1:]
				}
				m.sets[s.Name] = typeName
			}
		}
	}
	return m, nil
}

func (m *metadata) setFields(set string) map[string]bool {
	if m == nil {
		return nil
	}
	return m.fields[m.sets[set]]
}

// loadMetadata fetches $metadata once per process. Failures are not cached.
func (c *Client) loadMetadata(ctx context.Context) (*metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta != nil {
		return c.meta, nil
	}
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method:  http.MethodGet,
		URL:     c.apiRoot() + "/$metadata",
		Headers: map[string]string{"Accept": "application/xml"},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch $metadata: %w", err)
	}
	meta, err := parseMetadata(resp.Body)
	if err != nil {
		return nil, err
	}
	c.meta = meta
	return meta, nil
}

// ChangeFeedSet resolves which entity set exposes the project change feed.
func (c *Client) ChangeFeedSet(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.feedSet != "" {
		defer c.mu.Unlock()
		return c.feedSet, nil
	}
	c.mu.Unlock()

	meta, err := c.loadMetadata(ctx)
	if err != nil {
		return "", err
	}
	candidates := c.cfg.ChangeFeedSets
	if len(candidates) == 0 {
		candidates = defaultFeedSets
	}
	for _, name := range candidates {
		if _, ok := meta.sets[name]; ok {
			c.mu.Lock()
			c.feedSet = name
			c.mu.Unlock()
			c.logger.Info().Str("entity_set", name).Msg("resolved change feed entity set")
			return name, nil
		}
	}
	return "", fmt.Errorf("no change feed entity set among %v", candidates)
}

// HasTaskField reports whether project task records expose field. The field
// list comes from $metadata, or from a sample record when the metadata does
// not describe the task entity.
func (c *Client) HasTaskField(ctx context.Context, field string) (bool, error) {
	fields, err := c.taskFields(ctx)
	if err != nil {
		return false, err
	}
	return fields[field], nil
}

func (c *Client) taskFields(ctx context.Context) (map[string]bool, error) {
	c.mu.Lock()
	if c.fieldSet != nil {
		defer c.mu.Unlock()
		return c.fieldSet, nil
	}
	c.mu.Unlock()

	var fields map[string]bool
	if meta, err := c.loadMetadata(ctx); err == nil {
		fields = meta.setFields(tasksSet)
	} else {
		c.logger.Warn().Err(err).Msg("metadata unavailable, sampling task fields")
	}
	if len(fields) == 0 {
		sampled, err := c.sampleTaskFields(ctx)
		if err != nil {
			return nil, err
		}
		fields = sampled
	}
	if len(fields) == 0 {
		// No schema and no rows to sample: ask again next time.
		c.logger.Warn().Msg("task fields unknown, not caching")
		return fields, nil
	}

	c.mu.Lock()
	c.fieldSet = fields
	c.mu.Unlock()
	return fields, nil
}

func (c *Client) sampleTaskFields(ctx context.Context) (map[string]bool, error) {
	q := url.Values{}
	q.Set("$top", "1")
	var page struct {
		Value []map[string]json.RawMessage `json:"value"`
	}
	if _, err := c.api.GetJSON(ctx, c.setURL(tasksSet, q), nil, &page); err != nil {
		return nil, fmt.Errorf("sample task fields: %w", err)
	}
	fields := map[string]bool{}
	if len(page.Value) == 0 {
		return fields, nil
	}
	for k := range page.Value[0] {
		if !strings.HasPrefix(k, "@") {
			fields[k] = true
		}
	}
	return fields, nil
}
