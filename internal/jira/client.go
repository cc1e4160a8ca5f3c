// Package jira pulls user stories from a Jira instance into the upload
// folder, where the ingestion pass picks them up like any other file.
package jira

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Config configures the Jira client
type Config struct {
	BaseURL         string
	Username        string
	APIToken        string
	ProjectKeys     []string
	SyncAllProjects bool
	UploadDir       string
	Timeout         time.Duration
}

// Client is a thin Jira REST v2 client covering only what the sync needs
type Client struct {
	baseURL         string
	username        string
	apiToken        string
	projectKeys     []string
	syncAllProjects bool
	uploadDir       string
	client          *http.Client
}

// Issue is the subset of a Jira issue the sync cares about
type Issue struct {
	Key     string `json:"key"`
	Summary string
	Text    string
}

// New creates a Jira client
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("jira: base URL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:         cfg.BaseURL,
		username:        cfg.Username,
		apiToken:        cfg.APIToken,
		projectKeys:     cfg.ProjectKeys,
		syncAllProjects: cfg.SyncAllProjects,
		uploadDir:       cfg.UploadDir,
		client:          &http.Client{Timeout: timeout},
	}, nil
}

// Sync fetches stories from the configured projects and writes each as
// <issueKey>.txt under uploaded/<projectKey>/. Files that already exist are
// left alone, so re-syncing is cheap and never clobbers a pending upload.
func (c *Client) Sync() (int, error) {
	projects := c.projectKeys
	if c.syncAllProjects {
		all, err := c.ListProjects()
		if err != nil {
			return 0, fmt.Errorf("jira: project listing failed: %w", err)
		}
		projects = all
	}

	written := 0
	for _, key := range projects {
		issues, err := c.SearchIssues(key)
		if err != nil {
			log.Printf("Jira search failed for project %s: %v", key, err)
			continue
		}
		for _, issue := range issues {
			ok, err := c.writeIssue(key, issue)
			if err != nil {
				log.Printf("Failed to write issue %s: %v", issue.Key, err)
				continue
			}
			if ok {
				written++
			}
		}
	}
	if written > 0 {
		log.Printf("Jira sync wrote %d new story files", written)
	}
	return written, nil
}

// SearchIssues returns the stories of one project
func (c *Client) SearchIssues(projectKey string) ([]Issue, error) {
	jql := fmt.Sprintf(`project = "%s" AND issuetype = Story ORDER BY created ASC`, projectKey)
	endpoint := fmt.Sprintf("%s/rest/api/2/search?jql=%s&fields=summary,description&maxResults=100",
		c.baseURL, url.QueryEscape(jql))

	var out struct {
		Issues []struct {
			Key    string `json:"key"`
			Fields struct {
				Summary     string `json:"summary"`
				Description string `json:"description"`
			} `json:"fields"`
		} `json:"issues"`
	}
	if err := c.getJSON(endpoint, &out); err != nil {
		return nil, err
	}

	issues := make([]Issue, 0, len(out.Issues))
	for _, i := range out.Issues {
		issues = append(issues, Issue{
			Key:     i.Key,
			Summary: i.Fields.Summary,
			Text:    i.Fields.Description,
		})
	}
	return issues, nil
}

// ListProjects returns all project keys visible to the configured user
func (c *Client) ListProjects() ([]string, error) {
	var out []struct {
		Key string `json:"key"`
	}
	if err := c.getJSON(c.baseURL+"/rest/api/2/project", &out); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(out))
	for _, p := range out {
		keys = append(keys, p.Key)
	}
	return keys, nil
}

// writeIssue writes one issue as a story file, reporting whether a new file
// was created
func (c *Client) writeIssue(projectKey string, issue Issue) (bool, error) {
	dir := filepath.Join(c.uploadDir, projectKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, err
	}
	path := filepath.Join(dir, issue.Key+".txt")
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	content := issue.Summary
	if issue.Text != "" {
		content += "\n\n" + issue.Text
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) getJSON(endpoint string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.apiToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("jira: %s returned %s: %s", endpoint, resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
