package report

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/calvinmclean/babyapi"
)

// Run is a playback run as stored by the report server
type Run struct {
	// include NilResource so we don't implement Render/Bind which are not needed
	*babyapi.NilResource

	ID         string    `json:"id,omitempty"`
	Sequence   string    `json:"sequence,omitempty"`
	Channels   []int     `json:"channels,omitempty"`
	Keyframes  int       `json:"keyframes,omitempty"`
	DurationMS int       `json:"duration_ms,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`

	FinishedAt time.Time `json:"finished_at,omitzero"`
	Outcome    string    `json:"outcome,omitempty"`
	ElapsedMS  int       `json:"elapsed_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (r Run) GetID() string {
	return r.ID
}

// Result is the end of a run
type Result struct {
	Outcome    string
	Elapsed    time.Duration
	Err        error
	FinishedAt time.Time
}

// Reporter records playback runs somewhere
type Reporter interface {
	Started(ctx context.Context, run Run) (string, error)
	Finished(ctx context.Context, id string, result Result) error
}

// Client reports runs to a babyapi server exposing /runs
type Client struct {
	client *babyapi.Client[*Run]
}

var _ Reporter = &Client{}

// New returns a Client for addr, or Noop when addr is empty
func New(addr string) Reporter {
	if addr == "" {
		return Noop{}
	}
	return NewClient(addr)
}

func NewClient(addr string) *Client {
	return &Client{client: babyapi.NewClient[*Run](addr, "/runs")}
}

// Started creates the run and returns its ID
func (c *Client) Started(ctx context.Context, run Run) (string, error) {
	resp, err := c.client.Post(ctx, &run)
	if err != nil {
		return "", fmt.Errorf("error creating run: %w", err)
	}
	return resp.Data.GetID(), nil
}

// Finished patches the run's outcome
func (c *Client) Finished(ctx context.Context, id string, result Result) error {
	patch := &Run{
		FinishedAt: result.FinishedAt,
		Outcome:    result.Outcome,
		ElapsedMS:  int(result.Elapsed / time.Millisecond),
	}
	if result.Err != nil {
		patch.Error = result.Err.Error()
	}

	_, err := c.client.Patch(ctx, id, patch)
	if err != nil {
		return fmt.Errorf("error updating run %q: %w", id, err)
	}
	return nil
}

// Ping checks that the server answers
func (c *Client) Ping(ctx context.Context) error {
	url, err := c.client.URL("")
	if err != nil {
		return fmt.Errorf("error building url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	_, err = c.client.MakeGenericRequest(req, nil)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	return nil
}

// Noop drops every report
type Noop struct{}

var _ Reporter = Noop{}

// Started implements Reporter.
func (Noop) Started(context.Context, Run) (string, error) {
	return "", nil
}

// Finished implements Reporter.
func (Noop) Finished(context.Context, string, Result) error {
	return nil
}
