// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package depot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// A Client performs API requests against a TaskDepot queue service.
type Client struct {
	// Base URL of the queue API, e.g. "https://queue.example.com".
	APIHost string

	// Authentication token sent with every request.
	AuthToken string

	// Identity of this worker, used when claiming work.
	WorkerID   string
	WorkerPool string

	// HTTP client to use. If nil, a retrying client is built on
	// first use.
	Client *http.Client

	// Timeout for one API call, including any retries.
	Timeout time.Duration
}

// NewClient returns a Client that retries transient request failures
// with exponential backoff.
func NewClient(apiHost, authToken, workerPool, workerID string, logger logrus.FieldLogger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = leveledLogger{logger}
	return &Client{
		APIHost:    apiHost,
		AuthToken:  authToken,
		WorkerID:   workerID,
		WorkerPool: workerPool,
		Client:     rc.StandardClient(),
		Timeout:    time.Minute,
	}
}

// ClaimWork asks the queue for up to n claims. A short response
// (including none at all) is normal when the queue is empty.
func (c *Client) ClaimWork(ctx context.Context, n int) ([]TaskClaim, error) {
	var resp struct {
		Claims []TaskClaim `json:"claims"`
	}
	req := map[string]interface{}{
		"tasks":      n,
		"workerPool": c.WorkerPool,
		"workerId":   c.WorkerID,
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/claim-work", req, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Claims, nil
}

// ReclaimTask extends the lease on a claim that is still executing.
func (c *Client) ReclaimTask(ctx context.Context, taskID string, runID int) (TaskClaim, error) {
	var claim TaskClaim
	path := fmt.Sprintf("/v1/task/%s/runs/%d/reclaim", url.PathEscape(taskID), runID)
	err := c.doJSON(ctx, http.MethodPost, path, nil, &claim)
	return claim, err
}

// ReportException resolves a run as failed with the given reason.
func (c *Client) ReportException(ctx context.Context, taskID string, runID int, reason string) error {
	path := fmt.Sprintf("/v1/task/%s/runs/%d/exception", url.PathEscape(taskID), runID)
	return c.doJSON(ctx, http.MethodPost, path, map[string]string{"reason": reason}, nil)
}

// CancelFeed long-polls the queue for run cancellations addressed to
// this worker pool, delivering them on the returned channel until ctx
// is done. Feed errors are logged and retried; the channel is closed
// on return.
func (c *Client) CancelFeed(ctx context.Context, logger logrus.FieldLogger) <-chan CancelMessage {
	ch := make(chan CancelMessage)
	go func() {
		defer close(ch)
		for ctx.Err() == nil {
			var resp struct {
				Messages []CancelMessage `json:"messages"`
			}
			err := c.doJSON(ctx, http.MethodGet, "/v1/cancellations?workerPool="+url.QueryEscape(c.WorkerPool), nil, &resp)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).Warn("error polling cancellation feed")
				select {
				case <-time.After(5 * time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, msg := range resp.Messages {
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	if c.Client == nil {
		c.Client = retryablehttp.NewClient().StandardClient()
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var body *bytes.Buffer
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	} else {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.APIHost+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("request failed: %s %s: %s", method, path, resp.Status)
	}
	if respBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

// leveledLogger adapts a logrus FieldLogger to retryablehttp's
// LeveledLogger interface.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.entry(kv).Error(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.entry(kv).Warn(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.entry(kv).Info(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.entry(kv).Debug(msg) }

func (l leveledLogger) entry(kv []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 1; i < len(kv); i += 2 {
		if k, ok := kv[i-1].(string); ok {
			fields[k] = kv[i]
		}
	}
	return l.logger.WithFields(fields)
}
