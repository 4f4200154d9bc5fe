package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 5 * time.Second
	maxErrorBodySize   = 4096
	maxStatusDesc      = 140
)

// ErrUnauthorized indicates the remote rejected the channel credentials.
var ErrUnauthorized = errors.New("notification unauthorized")

// ErrRejected indicates the remote refused the payload.
var ErrRejected = errors.New("notification rejected")

// ErrNotFound indicates the remote target does not exist.
var ErrNotFound = errors.New("notification target not found")

// LogChannel writes notifications to the structured log.
type LogChannel struct {
	logger *slog.Logger
	level  Level
}

// NewLogChannel logs every notification up to level.
func NewLogChannel(logger *slog.Logger, level Level) LogChannel {
	return LogChannel{logger: logger, level: level}
}

func (c LogChannel) Name() string { return "log" }

func (c LogChannel) Level() Level { return c.level }

// Send implements Channel.
func (c LogChannel) Send(ctx context.Context, n Notification) error {
	lvl := slog.LevelInfo
	switch n.Level {
	case LevelFailed:
		lvl = slog.LevelError
	case LevelFailedWarn:
		lvl = slog.LevelWarn
	}
	attrs := []any{"app", n.Name, "version", n.Version, "cluster", n.Cluster, "level", n.Level.String()}
	if n.Error != nil {
		attrs = append(attrs, "code", n.Error.Code, "error", n.Error.Message)
	}
	c.logger.Log(ctx, lvl, n.Message, attrs...)
	return nil
}

// SlackChannel posts to an incoming webhook.
type SlackChannel struct {
	url     string
	channel string
	level   Level
	client  *http.Client
}

// NewSlackChannel constructs a Slack webhook channel.
func NewSlackChannel(url, channel string, level Level, client *http.Client) SlackChannel {
	return SlackChannel{url: strings.TrimSpace(url), channel: channel, level: level, client: httpClient(client)}
}

func (c SlackChannel) Name() string { return "slack" }

func (c SlackChannel) Level() Level { return c.level }

// Send implements Channel.
func (c SlackChannel) Send(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("[%s] %s %s:%s %s", n.Cluster, strings.ToUpper(n.Level.String()), n.Name, n.Version, n.Message)
	fields := []map[string]any{}
	if n.MetaInfo != nil && n.MetaInfo.Git.Repo != "" {
		git := n.MetaInfo.Git
		fields = append(fields, map[string]any{
			"title": "git",
			"value": fmt.Sprintf("%s/%s@%s (%s)", git.Owner, git.Repo, git.Ref, shortCommit(git.Commit)),
			"short": false,
		})
	}
	if n.Error != nil {
		fields = append(fields, map[string]any{"title": n.Error.Code, "value": n.Error.Message, "short": false})
	}
	payload := map[string]any{
		"username": "Cluster Deployer",
		"text":     text,
		"attachments": []map[string]any{{
			"color":  slackColor(n.Level),
			"fields": fields,
			"ts":     n.Date.Unix(),
		}},
	}
	if c.channel != "" {
		payload["channel"] = c.channel
	}
	return postJSON(ctx, c.client, c.url, nil, payload)
}

func slackColor(l Level) string {
	switch l {
	case LevelFailed:
		return "danger"
	case LevelFailedWarn:
		return "warning"
	case LevelSuccess:
		return "good"
	default:
		return "#439FE0"
	}
}

// GithubChannel sets commit statuses for the deployed revision.
type GithubChannel struct {
	baseURL   string
	token     string
	targetURL string
	level     Level
	client    *http.Client
}

// NewGithubChannel constructs a commit status channel against the GitHub API at baseURL.
func NewGithubChannel(baseURL, token, targetURL string, level Level, client *http.Client) GithubChannel {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return GithubChannel{baseURL: baseURL, token: strings.TrimSpace(token), targetURL: targetURL, level: level, client: httpClient(client)}
}

func (c GithubChannel) Name() string { return "github" }

func (c GithubChannel) Level() Level { return c.level }

// Send implements Channel. Notifications without git coordinates are skipped.
func (c GithubChannel) Send(ctx context.Context, n Notification) error {
	if n.MetaInfo == nil {
		return nil
	}
	git := n.MetaInfo.Git
	if git.Owner == "" || git.Repo == "" || git.Commit == "" {
		return nil
	}
	desc := n.Message
	if len(desc) > maxStatusDesc {
		desc = desc[:maxStatusDesc-3] + "..."
	}
	payload := map[string]any{
		"state":       githubState(n.Level),
		"description": desc,
		"context":     n.Cluster + "::Deployer",
	}
	if c.targetURL != "" {
		payload["target_url"] = c.targetURL
	}
	headers := map[string]string{"Accept": "application/vnd.github+json"}
	if c.token != "" {
		headers["Authorization"] = "token " + c.token
	}
	url := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", c.baseURL, git.Owner, git.Repo, git.Commit)
	return postJSON(ctx, c.client, url, headers, payload)
}

func githubState(l Level) string {
	switch l {
	case LevelFailed, LevelFailedWarn:
		return "failure"
	case LevelSuccess:
		return "success"
	default:
		return "pending"
	}
}

// Broadcaster publishes raw payloads keyed by application.
type Broadcaster interface {
	Broadcast(app string, payload []byte) bool
}

// HubChannel streams notifications to websocket subscribers.
type HubChannel struct {
	hub   Broadcaster
	level Level
}

// NewHubChannel constructs a websocket broadcast channel.
func NewHubChannel(hub Broadcaster, level Level) HubChannel {
	return HubChannel{hub: hub, level: level}
}

func (c HubChannel) Name() string { return "ws" }

func (c HubChannel) Level() Level { return c.level }

// Send implements Channel.
func (c HubChannel) Send(_ context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if !c.hub.Broadcast(n.Name, body) {
		return errors.New("event hub saturated")
	}
	return nil
}

func httpClient(client *http.Client) *http.Client {
	if client == nil {
		return &http.Client{Timeout: defaultHTTPTimeout}
	}
	return client
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("notification request failed: %s", summary)
	}
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}
