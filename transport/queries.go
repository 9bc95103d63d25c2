package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/copima/copima/core"
)

// PageSize is the fixed connection page size for every crawl query.
const PageSize = 100

const pageInfoFragment = `pageInfo { hasNextPage endCursor }`

var queryUsers = fmt.Sprintf(`
query($first: Int!, $after: String) {
  users(first: $first, after: $after) {
    nodes { id username name publicEmail state webUrl createdAt }
    %s
  }
}`, pageInfoFragment)

var queryGroups = fmt.Sprintf(`
query($first: Int!, $after: String) {
  groups(first: $first, after: $after) {
    nodes { id fullPath name path description visibility createdAt }
    %s
  }
}`, pageInfoFragment)

var queryProjects = fmt.Sprintf(`
query($first: Int!, $after: String) {
  projects(first: $first, after: $after) {
    nodes { id fullPath name path description visibility archived createdAt lastActivityAt }
    %s
  }
}`, pageInfoFragment)

const queryGroup = `
query($fullPath: ID!) {
  group(fullPath: $fullPath) {
    id fullPath name path description visibility createdAt
  }
}`

const queryProject = `
query($fullPath: ID!) {
  project(fullPath: $fullPath) {
    id fullPath name path description visibility archived createdAt lastActivityAt
  }
}`

var queryGroupSubgroups = fmt.Sprintf(`
query($fullPath: ID!, $first: Int!, $after: String) {
  group(fullPath: $fullPath) {
    descendantGroups(first: $first, after: $after) {
      nodes { id fullPath name path description visibility createdAt }
      %s
    }
  }
}`, pageInfoFragment)

var queryGroupProjects = fmt.Sprintf(`
query($fullPath: ID!, $first: Int!, $after: String) {
  group(fullPath: $fullPath) {
    projects(first: $first, after: $after, includeSubgroups: false) {
      nodes { id fullPath name path description visibility archived createdAt lastActivityAt }
      %s
    }
  }
}`, pageInfoFragment)

// groupResourceQueries keys connection selections by resource type under a
// group. Issues and merge requests are project-level resources.
var groupResourceQueries = map[core.ResourceType]string{
	core.ResourceMembers:    `groupMembers(first: $first, after: $after) { nodes { id accessLevel { integerValue stringValue } user { id username name } createdAt } ` + pageInfoFragment + ` }`,
	core.ResourceLabels:     `labels(first: $first, after: $after) { nodes { id title color description } ` + pageInfoFragment + ` }`,
	core.ResourceMilestones: `milestones(first: $first, after: $after) { nodes { id title description state dueDate createdAt } ` + pageInfoFragment + ` }`,
}

// projectResourceQueries keys connection selections by resource type under a
// project. Repository-phase resources nest under the repository object.
var projectResourceQueries = map[core.ResourceType]string{
	core.ResourceMembers:       `projectMembers(first: $first, after: $after) { nodes { id accessLevel { integerValue stringValue } user { id username name } createdAt } ` + pageInfoFragment + ` }`,
	core.ResourceLabels:        `labels(first: $first, after: $after) { nodes { id title color description } ` + pageInfoFragment + ` }`,
	core.ResourceMilestones:    `milestones(first: $first, after: $after) { nodes { id title description state dueDate createdAt } ` + pageInfoFragment + ` }`,
	core.ResourceIssues:        `issues(first: $first, after: $after) { nodes { id iid title description state author { username } createdAt updatedAt closedAt } ` + pageInfoFragment + ` }`,
	core.ResourceMergeRequests: `mergeRequests(first: $first, after: $after) { nodes { id iid title description state sourceBranch targetBranch author { username } createdAt mergedAt } ` + pageInfoFragment + ` }`,
	core.ResourcePipelines:     `pipelines(first: $first, after: $after) { nodes { id status ref sha duration createdAt finishedAt } ` + pageInfoFragment + ` }`,
}

// repositoryResourceQueries cover the repository phase.
var repositoryResourceQueries = map[core.ResourceType]string{
	core.ResourceBranches: `refs(first: $first, after: $after, refType: BRANCHES) { nodes { name } ` + pageInfoFragment + ` }`,
	core.ResourceCommits:  `commits(first: $first, after: $after) { nodes { sha title message authorName authoredDate } ` + pageInfoFragment + ` }`,
}

const queryCurrentUser = `
query {
  currentUser {
    id username name publicEmail state webUrl
  }
}`

// FetchCurrentUser identifies the owner of the bearer token.
func (c *Client) FetchCurrentUser(ctx context.Context) (core.Record, error) {
	var data map[string]json.RawMessage
	if err := c.Execute(ctx, queryCurrentUser, nil, &data); err != nil {
		return nil, err
	}
	raw, ok := data["currentUser"]
	if !ok || string(raw) == "null" {
		return nil, transportError("transport: token has no associated user",
			goerrors.CategoryAuth, http.StatusUnauthorized, nil)
	}
	var record core.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, transportWrapError(err, goerrors.CategoryExternal,
			"transport: decode currentUser", http.StatusBadGateway, nil)
	}
	return record, nil
}

// FetchUsers pages through instance users.
func (c *Client) FetchUsers(ctx context.Context, after string) (core.CursorPage[core.Record], error) {
	return c.fetchConnection(ctx, queryUsers, pageVariables(after, nil), "users")
}

// FetchGroups pages through top-level groups visible to the token.
func (c *Client) FetchGroups(ctx context.Context, after string) (core.CursorPage[core.Record], error) {
	return c.fetchConnection(ctx, queryGroups, pageVariables(after, nil), "groups")
}

// FetchProjects pages through projects visible to the token.
func (c *Client) FetchProjects(ctx context.Context, after string) (core.CursorPage[core.Record], error) {
	return c.fetchConnection(ctx, queryProjects, pageVariables(after, nil), "projects")
}

// FetchGroup fetches one group document by full path.
func (c *Client) FetchGroup(ctx context.Context, fullPath string) (core.Record, error) {
	return c.fetchObject(ctx, queryGroup, fullPath, "group")
}

// FetchProject fetches one project document by full path.
func (c *Client) FetchProject(ctx context.Context, fullPath string) (core.Record, error) {
	return c.fetchObject(ctx, queryProject, fullPath, "project")
}

// FetchGroupSubgroups pages through the descendant groups of a group.
func (c *Client) FetchGroupSubgroups(ctx context.Context, fullPath, after string) (core.CursorPage[core.Record], error) {
	variables := pageVariables(after, map[string]any{"fullPath": fullPath})
	return c.fetchConnection(ctx, queryGroupSubgroups, variables, "group", "descendantGroups")
}

// FetchGroupProjects pages through the direct projects of a group.
func (c *Client) FetchGroupProjects(ctx context.Context, fullPath, after string) (core.CursorPage[core.Record], error) {
	variables := pageVariables(after, map[string]any{"fullPath": fullPath})
	return c.fetchConnection(ctx, queryGroupProjects, variables, "group", "projects")
}

// FetchGroupResource pages one resource connection under a group.
func (c *Client) FetchGroupResource(ctx context.Context, fullPath string, resource core.ResourceType, after string) (core.CursorPage[core.Record], error) {
	selection, ok := groupResourceQueries[resource]
	if !ok {
		return core.CursorPage[core.Record]{}, transportError(
			fmt.Sprintf("transport: resource %q is not available on groups", resource),
			goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	query := fmt.Sprintf(`
query($fullPath: ID!, $first: Int!, $after: String) {
  group(fullPath: $fullPath) { %s }
}`, selection)
	variables := pageVariables(after, map[string]any{"fullPath": fullPath})
	return c.fetchConnection(ctx, query, variables, "group", connectionField(selection))
}

// FetchProjectResource pages one resource connection under a project.
func (c *Client) FetchProjectResource(ctx context.Context, fullPath string, resource core.ResourceType, after string) (core.CursorPage[core.Record], error) {
	variables := pageVariables(after, map[string]any{"fullPath": fullPath})

	if selection, ok := repositoryResourceQueries[resource]; ok {
		query := fmt.Sprintf(`
query($fullPath: ID!, $first: Int!, $after: String) {
  project(fullPath: $fullPath) { repository { %s } }
}`, selection)
		return c.fetchConnection(ctx, query, variables, "project", "repository", connectionField(selection))
	}

	selection, ok := projectResourceQueries[resource]
	if !ok {
		return core.CursorPage[core.Record]{}, transportError(
			fmt.Sprintf("transport: resource %q is not available on projects", resource),
			goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	query := fmt.Sprintf(`
query($fullPath: ID!, $first: Int!, $after: String) {
  project(fullPath: $fullPath) { %s }
}`, selection)
	return c.fetchConnection(ctx, query, variables, "project", connectionField(selection))
}

func (c *Client) fetchObject(ctx context.Context, query, fullPath, field string) (core.Record, error) {
	fullPath = strings.TrimSpace(fullPath)
	if fullPath == "" {
		return nil, transportError("transport: full path is required",
			goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	var data map[string]json.RawMessage
	if err := c.Execute(ctx, query, map[string]any{"fullPath": fullPath}, &data); err != nil {
		return nil, err
	}
	raw, ok := data[field]
	if !ok || string(raw) == "null" {
		return nil, transportError(
			fmt.Sprintf("transport: %s %q not found", field, fullPath),
			goerrors.CategoryNotFound, http.StatusNotFound,
			map[string]any{"full_path": fullPath})
	}
	var record core.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, transportWrapError(err, goerrors.CategoryExternal,
			fmt.Sprintf("transport: decode %s", field), http.StatusBadGateway, nil)
	}
	return record, nil
}

func (c *Client) fetchConnection(ctx context.Context, query string, variables map[string]any, path ...string) (core.CursorPage[core.Record], error) {
	var data map[string]any
	if err := c.Execute(ctx, query, variables, &data); err != nil {
		return core.CursorPage[core.Record]{}, err
	}
	return connectionAt(data, path...)
}

func pageVariables(after string, extra map[string]any) map[string]any {
	variables := map[string]any{"first": PageSize}
	if strings.TrimSpace(after) != "" {
		variables["after"] = after
	}
	for key, value := range extra {
		variables[key] = value
	}
	return variables
}

// connectionField extracts the leading field name from a selection string.
func connectionField(selection string) string {
	for i, r := range selection {
		if r == '(' || r == ' ' || r == '{' {
			return selection[:i]
		}
	}
	return selection
}

// connectionAt walks the data object along path and decodes the connection
// found there. A nil node along the way means the parent object vanished
// between pages.
func connectionAt(data map[string]any, path ...string) (core.CursorPage[core.Record], error) {
	current := any(data)
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok || node[key] == nil {
			return core.CursorPage[core.Record]{}, transportError(
				fmt.Sprintf("transport: missing %q in graphql response", strings.Join(path, ".")),
				goerrors.CategoryExternal, http.StatusBadGateway, nil)
		}
		current = node[key]
	}

	connection, ok := current.(map[string]any)
	if !ok {
		return core.CursorPage[core.Record]{}, transportError(
			fmt.Sprintf("transport: %q is not a connection", strings.Join(path, ".")),
			goerrors.CategoryExternal, http.StatusBadGateway, nil)
	}

	page := core.CursorPage[core.Record]{Nodes: []core.Record{}}
	if rawNodes, ok := connection["nodes"].([]any); ok {
		for _, rawNode := range rawNodes {
			if record, ok := rawNode.(map[string]any); ok {
				page.Nodes = append(page.Nodes, record)
			}
		}
	}
	if rawInfo, ok := connection["pageInfo"].(map[string]any); ok {
		if hasNext, ok := rawInfo["hasNextPage"].(bool); ok {
			page.PageInfo.HasNextPage = hasNext
		}
		if cursor, ok := rawInfo["endCursor"].(string); ok {
			page.PageInfo.EndCursor = cursor
		}
	}
	return page, nil
}
