// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskexec runs one claimed task in a docker container. It
// is deliberately thin: payload semantics beyond image/command/env
// belong to the queue and the task author, not the worker.
package taskexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"git.taskdepot.org/taskdepot.git/lib/dockergc"
	"git.taskdepot.org/taskdepot.git/lib/worker"
	"git.taskdepot.org/taskdepot.git/sdk/go/depot"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

const stopGrace = 10 * time.Second

// dockerAPI is the subset of the docker engine API a handler uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
}

// NewFactory returns a worker.NewHandlerFunc whose handlers execute
// task payloads on the local docker engine.
func NewFactory() (worker.NewHandlerFunc, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return func(params worker.HandlerParams) (worker.TaskHandler, error) {
		return newHandler(client, params)
	}, nil
}

// Handler implements worker.TaskHandler for one claim.
type Handler struct {
	logger    logrus.FieldLogger
	client    dockerAPI
	claim     depot.TaskClaim
	deviceIDs map[string]string

	mtx         sync.Mutex
	status      string
	containerID string
	stopped     bool
}

func newHandler(client dockerAPI, params worker.HandlerParams) (*Handler, error) {
	if params.Claim.Task.Payload.Image == "" {
		return nil, errors.New("task payload has no image")
	}
	return &Handler{
		logger:    params.Logger,
		client:    client,
		claim:     params.Claim,
		deviceIDs: params.DeviceIDs,
		status:    "pending",
	}, nil
}

// Start pulls the image, runs the container, and blocks until it
// exits. The exited container is left in place for the garbage
// collector.
func (h *Handler) Start(ctx context.Context) error {
	payload := h.claim.Task.Payload
	if d := payload.MaxRunTime.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	h.setStatus("pulling")
	resp, err := h.client.ImagePull(ctx, payload.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("error pulling image %q: %w", payload.Image, err)
	}
	_, err = io.Copy(io.Discard, resp)
	resp.Close()
	if err != nil {
		return fmt.Errorf("error pulling image %q: %w", payload.Image, err)
	}

	cfg := &container.Config{
		Image:  payload.Image,
		Cmd:    payload.Command,
		Labels: map[string]string{dockergc.ManagedLabel: "true"},
	}
	for k, v := range payload.Env {
		cfg.Env = append(cfg.Env, k+"="+v)
	}
	hostCfg := &container.HostConfig{
		Privileged: payload.Capabilities.Privileged,
	}
	for kind, id := range h.deviceIDs {
		if kind == "cpu" {
			hostCfg.Resources.CpusetCpus = id
			continue
		}
		if strings.HasPrefix(id, "/dev/") {
			hostCfg.Resources.Devices = append(hostCfg.Resources.Devices, container.DeviceMapping{
				PathOnHost:        id,
				PathInContainer:   id,
				CgroupPermissions: "rwm",
			})
		}
	}

	created, err := h.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil,
		fmt.Sprintf("taskdepot-%s-%d", h.claim.Status.TaskID, h.claim.RunID))
	if err != nil {
		return fmt.Errorf("error creating container: %w", err)
	}
	h.mtx.Lock()
	h.containerID = created.ID
	stopped := h.stopped
	h.mtx.Unlock()
	if stopped {
		return errors.New("canceled before container start")
	}

	if err := h.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("error starting container: %w", err)
	}
	h.setStatus("running")
	h.logger.WithField("Container", created.ID).Info("container started")

	waitch, errch := h.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case result := <-waitch:
		h.setStatus("exited")
		if result.StatusCode != 0 {
			return fmt.Errorf("container exited with status %d", result.StatusCode)
		}
		return nil
	case err := <-errch:
		h.setStatus("failed")
		if ctx.Err() != nil {
			h.stopContainer()
			return fmt.Errorf("run aborted: %w", ctx.Err())
		}
		return fmt.Errorf("error waiting for container: %w", err)
	}
}

// Cancel stops the container cooperatively, which makes Start return.
func (h *Handler) Cancel(reason string) {
	h.logger.WithField("Reason", reason).Info("stopping container")
	h.setStatus("canceled")
	h.stopContainer()
}

// Abort tears the container down immediately.
func (h *Handler) Abort(reason string) error {
	h.logger.WithField("Reason", reason).Warn("killing container")
	h.setStatus("aborted")
	h.mtx.Lock()
	id := h.containerID
	h.stopped = true
	h.mtx.Unlock()
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	return h.client.ContainerKill(ctx, id, "KILL")
}

// Status implements worker.TaskHandler.
func (h *Handler) Status() string {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.status
}

func (h *Handler) setStatus(status string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.status = status
}

func (h *Handler) stopContainer() {
	h.mtx.Lock()
	id := h.containerID
	h.stopped = true
	h.mtx.Unlock()
	if id == "" {
		return
	}
	grace := int(stopGrace.Seconds())
	ctx, cancel := context.WithTimeout(context.Background(), 2*stopGrace)
	defer cancel()
	if err := h.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
		h.logger.WithField("Container", id).WithError(err).Warn("error stopping container")
	}
}
