package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/workshop7/distfit/pool"
)

// taskClient speaks the worker JSON API at one endpoint.
type taskClient struct {
	endpoint string
	hc       *http.Client
}

func newTaskClient(endpoint string) taskClient {
	return taskClient{endpoint: endpoint, hc: http.DefaultClient}
}

// Send posts one task and decodes the worker's result. The ctx deadline is
// the only timeout; the pool bounds it.
func (c taskClient) Send(ctx context.Context, t pool.Task) (pool.Result, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(t); err != nil {
		return pool.Result{}, errors.Wrap(err, "remote: encoding task")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/task"), &buf)
	if err != nil {
		return pool.Result{}, errors.Wrap(err, "remote: building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return pool.Result{}, errors.Wrapf(err, "remote: sending %s task to %s", t.Kind, c.endpoint)
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return pool.Result{}, errors.Wrap(err, "remote: reading response")
	}

	if resp.StatusCode != http.StatusOK {
		return pool.Result{}, errors.Errorf("remote: %s task to %s failed, status %d: %s",
			t.Kind, c.endpoint, resp.StatusCode, body.String())
	}

	var result pool.Result
	if err := json.NewDecoder(&body).Decode(&result); err != nil {
		return pool.Result{}, errors.Wrap(err, "remote: decoding result")
	}
	return result, nil
}

func (c taskClient) url(relativePath string) string {
	return fmt.Sprintf("http://%s%s", c.endpoint, relativePath)
}
