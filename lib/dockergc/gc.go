// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dockergc reclaims docker resources left behind by finished
// task runs. Containers and volumes created by the worker carry a
// marker label; nothing unlabeled is ever touched.
package dockergc

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// ManagedLabel marks containers and volumes owned by the worker.
const ManagedLabel = "org.taskdepot.managed"

// dockerAPI is the subset of the docker engine API the collector
// uses. Implemented by *dockerclient.Client and test stubs.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// Collector implements worker.GarbageCollector against a docker
// engine.
type Collector struct {
	logger logrus.FieldLogger
	client dockerAPI
}

// New returns a Collector talking to the local docker engine.
func New(logger logrus.FieldLogger) (*Collector, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return &Collector{logger: logger, client: client}, nil
}

// Sweep removes exited managed containers. A full sweep also removes
// managed volumes, which light sweeps leave alone because an idle
// volume may be reused by the next run of the same task.
func (gc *Collector) Sweep(ctx context.Context, full bool) error {
	containers, err := gc.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("status", "exited"),
			filters.Arg("label", ManagedLabel),
		),
	})
	if err != nil {
		return err
	}
	removed := 0
	for _, ctr := range containers {
		err := gc.client.ContainerRemove(ctx, ctr.ID, container.RemoveOptions{RemoveVolumes: true})
		if err != nil {
			gc.logger.WithField("Container", ctr.ID).WithError(err).Warn("error removing container")
			continue
		}
		removed++
	}
	if removed > 0 {
		gc.logger.WithField("Containers", removed).Info("removed exited containers")
	}
	if !full {
		return nil
	}

	volumes, err := gc.client.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel)),
	})
	if err != nil {
		return err
	}
	removed = 0
	for _, vol := range volumes.Volumes {
		err := gc.client.VolumeRemove(ctx, vol.Name, false)
		if err != nil {
			gc.logger.WithField("Volume", vol.Name).WithError(err).Warn("error removing volume")
			continue
		}
		removed++
	}
	if removed > 0 {
		gc.logger.WithField("Volumes", removed).Info("removed task volumes")
	}
	return nil
}
