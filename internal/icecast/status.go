package icecast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"airwave-live/internal/observability/metrics"
)

// MountStatus summarizes one mountpoint from the Icecast status endpoint.
type MountStatus struct {
	Mount     string
	Listeners int
	Title     string
}

// StatusClient polls Icecast's status-json.xsl endpoint for listener counts
// reported by the media server itself.
type StatusClient struct {
	config   Config
	client   *http.Client
	recorder *metrics.Recorder
}

func NewStatusClient(cfg Config, recorder *metrics.Recorder) *StatusClient {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &StatusClient{
		config:   cfg,
		client:   &http.Client{Timeout: 5 * time.Second},
		recorder: recorder,
	}
}

type statusDocument struct {
	Icestats struct {
		Source json.RawMessage `json:"source"`
	} `json:"icestats"`
}

type statusSource struct {
	ListenURL string `json:"listenurl"`
	Listeners int    `json:"listeners"`
	Title     string `json:"title"`
}

// MountStatus fetches the current status for the configured mount. A missing
// mount is not an error to the caller beyond found=false: Icecast drops the
// source entry entirely when nothing is publishing.
func (c *StatusClient) MountStatus(ctx context.Context) (MountStatus, bool, error) {
	c.recorder.ObserveEgressAttempt("status")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.StatusURL(), nil)
	if err != nil {
		c.recorder.ObserveEgressFailure("status")
		return MountStatus{}, false, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.recorder.ObserveEgressFailure("status")
		return MountStatus{}, false, fmt.Errorf("fetch icecast status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recorder.ObserveEgressFailure("status")
		return MountStatus{}, false, fmt.Errorf("icecast status returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.recorder.ObserveEgressFailure("status")
		return MountStatus{}, false, fmt.Errorf("read icecast status: %w", err)
	}

	sources, err := parseSources(body)
	if err != nil {
		c.recorder.ObserveEgressFailure("status")
		return MountStatus{}, false, err
	}

	mount := c.config.normalizedMount()
	for _, src := range sources {
		if strings.HasSuffix(src.ListenURL, mount) {
			return MountStatus{Mount: mount, Listeners: src.Listeners, Title: src.Title}, true, nil
		}
	}
	return MountStatus{}, false, nil
}

// Healthy reports whether the status endpoint answered. A reachable server
// with no active mount still counts as healthy.
func (c *StatusClient) Healthy(ctx context.Context) bool {
	_, _, err := c.MountStatus(ctx)
	return err == nil
}

// parseSources tolerates Icecast's schema quirk: "source" is an object when a
// single mount is active and an array when several are.
func parseSources(body []byte) ([]statusSource, error) {
	var doc statusDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode icecast status: %w", err)
	}
	if len(doc.Icestats.Source) == 0 {
		return nil, nil
	}

	var many []statusSource
	if err := json.Unmarshal(doc.Icestats.Source, &many); err == nil {
		return many, nil
	}
	var one statusSource
	if err := json.Unmarshal(doc.Icestats.Source, &one); err != nil {
		return nil, fmt.Errorf("decode icecast source list: %w", err)
	}
	return []statusSource{one}, nil
}
