package githost_http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/relpipe/internal/domain"
)

// Client talks to the GitHub releases REST API.
type Client struct {
	baseUrl string
	owner   string
	repo    string
	token   string
	hc      *http.Client

	mu      sync.Mutex
	uploads map[string]string
}

func New(baseUrl, repository, token string, timeout time.Duration) (*Client, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("repository %q must be owner/name", repository)
	}

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseUrl: trimSlash(baseUrl),
		owner:   owner,
		repo:    repo,
		token:   token,
		hc:      &http.Client{Transport: tr, Timeout: timeout},
		uploads: make(map[string]string),
	}, nil
}

type releaseDTO struct {
	ID        int64     `json:"id"`
	TagName   string    `json:"tag_name"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	UploadURL string    `json:"upload_url"`
	CreatedAt time.Time `json:"created_at"`
}

type createReleaseDTO struct {
	TagName              string `json:"tag_name"`
	TargetCommitish      string `json:"target_commitish,omitempty"`
	Name                 string `json:"name"`
	Body                 string `json:"body"`
	GenerateReleaseNotes bool   `json:"generate_release_notes"`
	Prerelease           bool   `json:"prerelease"`
}

type statusError struct {
	code   int
	status string
	body   string
}

func (e *statusError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("github %s: %s", e.status, e.body)
	}
	return "github " + e.status
}

func (c *Client) ReleaseExists(ctx context.Context, tag domain.Version) (bool, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", c.baseUrl, c.owner, c.repo, url.PathEscape(string(tag)))

	var exists bool
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.send(ctx, req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			exists = false
			return nil
		case resp.StatusCode < 300:
			exists = true
			return nil
		default:
			return classify(resp)
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(c.backoff(), ctx)); err != nil {
		return false, err
	}
	return exists, nil
}

// CreateRelease is sent once: repeating a create that may have reached the
// server could only end in a conflict.
func (c *Client) CreateRelease(ctx context.Context, r domain.ReleaseRequest) (domain.ReleaseRecord, error) {
	body, err := json.Marshal(createReleaseDTO{
		TagName:              string(r.Tag),
		TargetCommitish:      r.Commit,
		Name:                 r.Title,
		Body:                 r.Description,
		GenerateReleaseNotes: r.GenerateNotes,
		Prerelease:           r.Prerelease,
	})
	if err != nil {
		return domain.ReleaseRecord{}, err
	}

	u := fmt.Sprintf("%s/repos/%s/%s/releases", c.baseUrl, c.owner, c.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(body)))
	if err != nil {
		return domain.ReleaseRecord{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.send(ctx, req)
	if err != nil {
		return domain.ReleaseRecord{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if strings.Contains(string(b), "already_exists") {
			return domain.ReleaseRecord{}, &domain.ReleaseAlreadyExistsError{Tag: r.Tag}
		}
		return domain.ReleaseRecord{}, &statusError{code: resp.StatusCode, status: resp.Status, body: strings.TrimSpace(string(b))}
	}
	if resp.StatusCode >= 300 {
		return domain.ReleaseRecord{}, classify(resp)
	}

	var d releaseDTO
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return domain.ReleaseRecord{}, err
	}

	id := strconv.FormatInt(d.ID, 10)
	if d.UploadURL != "" {
		c.mu.Lock()
		c.uploads[id] = trimTemplate(d.UploadURL)
		c.mu.Unlock()
	}

	return domain.ReleaseRecord{
		ID:          id,
		Tag:         r.Tag,
		Title:       d.Name,
		Description: d.Body,
		URL:         d.HTMLURL,
		CreatedAt:   d.CreatedAt,
	}, nil
}

func (c *Client) UploadAsset(ctx context.Context, rel domain.ReleaseRecord, a domain.Artifact) error {
	name := filepath.Base(a.Path)

	c.mu.Lock()
	base, ok := c.uploads[rel.ID]
	c.mu.Unlock()
	if !ok {
		base = fmt.Sprintf("%s/repos/%s/%s/releases/%s/assets", c.baseUrl, c.owner, c.repo, rel.ID)
	}
	u := base + "?name=" + url.QueryEscape(name)

	op := func() error {
		f, err := os.Open(a.Path)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer func() { _ = f.Close() }()

		st, err := f.Stat()
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, f)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = st.Size()
		req.Header.Set("Content-Type", contentType(name))

		resp, err := c.send(ctx, req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			return classify(resp)
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(c.backoff(), ctx))
}

func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, _ := strconv.Atoi(ra); sec > 0 {
				_ = resp.Body.Close()
				select {
				case <-time.After(time.Duration(sec) * time.Second):
				case <-ctx.Done():
					return nil, backoff.Permanent(ctx.Err())
				}
				return nil, fmt.Errorf("retry after due to 429")
			}
		}
	}
	return resp, nil
}

func (c *Client) backoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

// classify turns a non-2xx response into an error; 429 and 5xx are retried.
func classify(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := &statusError{code: resp.StatusCode, status: resp.Status, body: strings.TrimSpace(string(b))}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return err
	}
	return backoff.Permanent(err)
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip":
		return "application/zip"
	case ".gz", ".tgz":
		return "application/gzip"
	case ".txt", ".sha256":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func trimTemplate(u string) string {
	if i := strings.Index(u, "{"); i >= 0 {
		return u[:i]
	}
	return u
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
