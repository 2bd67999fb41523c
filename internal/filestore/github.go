package filestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitHub stores files through the GitHub contents API. The blob sha reported
// by the API doubles as the version token: a PUT or DELETE carrying a stale
// sha is rejected by GitHub with a conflict, which is exactly the
// compare-and-swap this package promises.
type GitHub struct {
	baseURL    string
	owner      string
	repo       string
	branch     string
	token      string
	apiVersion string
	client     *http.Client
}

type GitHubConfig struct {
	Owner      string
	Repo       string
	Branch     string
	Token      string
	APIVersion string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
}

func NewGitHub(cfg GitHubConfig) *GitHub {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = "2022-11-28"
	}
	return &GitHub{
		baseURL:    strings.TrimRight(baseURL, "/"),
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		branch:     branch,
		token:      cfg.Token,
		apiVersion: apiVersion,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GitHub) contentsURL(path string) string {
	escaped := url.PathEscape(path)
	escaped = strings.ReplaceAll(escaped, "%2F", "/")
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.baseURL, g.owner, g.repo, escaped)
}

func (g *GitHub) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("X-GitHub-Api-Version", g.apiVersion)
}

type githubFileResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Message  string `json:"message"`
}

func (g *GitHub) GetFile(ctx context.Context, path string) (File, error) {
	reqURL := g.contentsURL(path) + "?ref=" + url.QueryEscape(g.branch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return File{}, err
	}
	g.setHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("github get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return File{Exists: false}, nil
	}

	var parsed githubFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return File{}, fmt.Errorf("github get %s: decode response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return File{}, fmt.Errorf("github get %s failed (%d): %s", path, resp.StatusCode, parsed.Message)
	}

	content := []byte(parsed.Content)
	if parsed.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(parsed.Content, "\n", ""))
		if err != nil {
			return File{}, fmt.Errorf("github get %s: decode content: %w", path, err)
		}
		content = decoded
	}
	return File{Exists: true, Token: parsed.SHA, Content: content}, nil
}

func (g *GitHub) PutFile(ctx context.Context, path string, content []byte, message, token string) (string, error) {
	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  g.branch,
	}
	if token != "" {
		body["sha"] = token
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.contentsURL(path), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	g.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("github put %s: %w", path, err)
	}
	defer resp.Body.Close()

	// GitHub reports a stale or missing sha as 409 or 422.
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("github put %s: %w", path, ErrConflict)
	}

	var parsed struct {
		Content struct {
			SHA string `json:"sha"`
		} `json:"content"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("github put %s: decode response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("github put %s failed (%d): %s", path, resp.StatusCode, parsed.Message)
	}
	return parsed.Content.SHA, nil
}

func (g *GitHub) DeleteFile(ctx context.Context, path string, message, token string) error {
	body := map[string]any{
		"message": message,
		"sha":     token,
		"branch":  g.branch,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.contentsURL(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	g.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("github delete %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("github delete %s: %w", path, ErrConflict)
	default:
		return fmt.Errorf("github delete %s failed (%d)", path, resp.StatusCode)
	}
}
