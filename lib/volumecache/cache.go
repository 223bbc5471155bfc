// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package volumecache keeps a bounded LRU of docker volumes that
// finished task runs leave behind for reuse. Cached volumes carry
// the worker's marker label so the garbage collector recognizes
// them.
package volumecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.taskdepot.org/taskdepot.git/lib/dockergc"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

const removeTimeout = 30 * time.Second

// volumeAPI is the subset of the docker engine API the cache uses.
type volumeAPI interface {
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// Cache implements worker.VolumeCache.
type Cache struct {
	logger logrus.FieldLogger
	client volumeAPI

	mtx     sync.Mutex
	entries *lru.Cache
	serial  int
}

// New returns a Cache holding at most size volumes in total, one per
// cache key; evicted volumes are removed from the engine.
func New(logger logrus.FieldLogger, size int) (*Cache, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return newCache(logger, client, size)
}

func newCache(logger logrus.FieldLogger, client volumeAPI, size int) (*Cache, error) {
	c := &Cache{logger: logger, client: client}
	entries, err := lru.NewWithEvict(size, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Acquire returns the name of a reusable volume for the given cache
// key, creating one if the cache has none.
func (c *Cache) Acquire(ctx context.Context, key string) (string, error) {
	c.mtx.Lock()
	if name, ok := c.entries.Get(key); ok {
		c.entries.Remove(key)
		c.mtx.Unlock()
		return name.(string), nil
	}
	c.serial++
	serial := c.serial
	c.mtx.Unlock()

	vol, err := c.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   fmt.Sprintf("taskdepot-cache-%s-%d", key, serial),
		Labels: map[string]string{dockergc.ManagedLabel: "true"},
	})
	if err != nil {
		return "", fmt.Errorf("error creating cache volume for %q: %w", key, err)
	}
	return vol.Name, nil
}

// Release puts a volume back in the cache for later reuse. The
// volume displaced by this entry, if any, is removed from the
// engine.
func (c *Cache) Release(key, name string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.entries.Add(key, name)
}

// PurgeCaches empties the cache, removing every backing volume.
func (c *Cache) PurgeCaches(ctx context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	n := c.entries.Len()
	c.entries.Purge()
	if n > 0 {
		c.logger.WithField("Volumes", n).Info("purged volume caches")
	}
	return nil
}

// onEvict runs inside Add/Purge with c.mtx held.
func (c *Cache) onEvict(key, value interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	name := value.(string)
	if err := c.client.VolumeRemove(ctx, name, false); err != nil {
		c.logger.WithField("Volume", name).WithError(err).Warn("error removing evicted cache volume")
	}
}
