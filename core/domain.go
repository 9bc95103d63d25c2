package core

import (
	"strings"
	"time"
)

type ProviderID string

const (
	ProviderGitLab ProviderID = "gitlab"
	ProviderGitHub ProviderID = "github"
	ProviderCustom ProviderID = "custom"
)

// Account holds one OAuth2 grant against a provider. Mutated only by the
// token manager and the initial-auth writer.
type Account struct {
	ID                    string     `json:"id"`
	AccountID             string     `json:"accountId"`
	ProviderID            ProviderID `json:"providerId"`
	UserID                string     `json:"userId"`
	AccessToken           string     `json:"accessToken"`
	RefreshToken          string     `json:"refreshToken,omitempty"`
	AccessTokenExpiresAt  *time.Time `json:"accessTokenExpiresAt,omitempty"`
	RefreshTokenExpiresAt *time.Time `json:"refreshTokenExpiresAt,omitempty"`
	Scope                 string     `json:"scope,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// CanAutoRefresh reports whether the account carries a refresh token.
func (a Account) CanAutoRefresh() bool {
	return strings.TrimSpace(a.RefreshToken) != ""
}

// Expiring reports whether the access token expires within window of now.
// An absent expiry means the token never expires.
func (a Account) Expiring(now time.Time, window time.Duration) bool {
	if a.AccessTokenExpiresAt == nil {
		return false
	}
	return !a.AccessTokenExpiresAt.UTC().After(now.UTC().Add(window))
}

type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Phase is one of the four ordered crawl stages.
type Phase string

const (
	PhaseAreas      Phase = "areas"
	PhaseUsers      Phase = "users"
	PhaseResources  Phase = "resources"
	PhaseRepository Phase = "repository"
)

// PhaseOrder lists the phases in execution order.
func PhaseOrder() []Phase {
	return []Phase{PhaseAreas, PhaseUsers, PhaseResources, PhaseRepository}
}

// ParsePhase maps a user-supplied step name onto a Phase.
func ParsePhase(value string) (Phase, bool) {
	switch Phase(strings.TrimSpace(strings.ToLower(value))) {
	case PhaseAreas:
		return PhaseAreas, true
	case PhaseUsers:
		return PhaseUsers, true
	case PhaseResources:
		return PhaseResources, true
	case PhaseRepository:
		return PhaseRepository, true
	}
	return "", false
}

// ResourceType names a JSONL shard kind under the output root.
type ResourceType string

const (
	ResourceUsers         ResourceType = "users"
	ResourceGroups        ResourceType = "groups"
	ResourceProjects      ResourceType = "projects"
	ResourceMembers       ResourceType = "members"
	ResourceLabels        ResourceType = "labels"
	ResourceMilestones    ResourceType = "milestones"
	ResourceIssues        ResourceType = "issues"
	ResourceMergeRequests ResourceType = "mergeRequests"
	ResourceBranches      ResourceType = "branches"
	ResourceCommits       ResourceType = "commits"
	ResourcePipelines     ResourceType = "pipelines"
)

// CallbackContext is passed to every user transform.
type CallbackContext struct {
	Host         string
	AccountID    string
	ResourceType ResourceType
}

// PageInfo is the cursor half of a GraphQL connection.
type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// CursorPage is one page of a GraphQL connection.
type CursorPage[T any] struct {
	Nodes    []T      `json:"nodes"`
	PageInfo PageInfo `json:"pageInfo"`
}

// Record is a single crawled JSON document.
type Record = map[string]any
