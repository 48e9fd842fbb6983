// Package servers keeps the set of upstream completion servers.
//
// Information Hiding:
// - Server storage and locking hidden
// - Per-server client caching hidden
// - Concurrent health probing hidden
package servers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/richinex/conductor/llm"
	"github.com/richinex/conductor/model"
)

// ErrNotFound is returned for unknown server ids.
var ErrNotFound = errors.New("server not found")

// Directory is an in-memory model.ServerDirectory that also hands out
// completion clients. Safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	servers map[string]model.Server
	clients map[string]*llm.Client
	base    llm.Config
	logger  *slog.Logger
}

var _ model.ServerDirectory = (*Directory)(nil)

// NewDirectory creates an empty directory. base supplies the timeouts and
// retry settings for every client; its BaseURL and APIKey are ignored.
func NewDirectory(base llm.Config) *Directory {
	logger := base.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		servers: make(map[string]model.Server),
		clients: make(map[string]*llm.Client),
		base:    base,
		logger:  logger,
	}
}

// Add inserts or replaces a server. The id defaults to the name.
func (d *Directory) Add(server model.Server) (model.Server, error) {
	server.URL = strings.TrimSpace(server.URL)
	if server.URL == "" {
		return model.Server{}, errors.New("server url is required")
	}
	if server.ID == "" {
		server.ID = server.Name
	}
	if server.ID == "" {
		return model.Server{}, errors.New("server id or name is required")
	}
	if server.Name == "" {
		server.Name = server.ID
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers[server.ID] = server
	delete(d.clients, server.ID)
	return server, nil
}

// Remove deletes a server. Returns whether it existed.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, exists := d.servers[id]
	delete(d.servers, id)
	delete(d.clients, id)
	return exists
}

// ServerByID implements model.ServerDirectory.
func (d *Directory) ServerByID(id string) (model.Server, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	server, exists := d.servers[id]
	return server, exists
}

// List returns all servers sorted by id.
func (d *Directory) List() []model.Server {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]model.Server, 0, len(d.servers))
	for _, s := range d.servers {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Client returns the cached completion client for a server.
func (d *Directory) Client(server model.Server) *llm.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[server.ID]; ok && c.BaseURL() == llm.NormalizeBaseURL(server.URL) {
		return c
	}
	config := d.base
	config.BaseURL = server.URL
	config.APIKey = server.APIKey
	config.Logger = d.logger
	c := llm.NewClient(config)
	if server.ID != "" {
		d.clients[server.ID] = c
	}
	return c
}

// Refresh probes one server and records connectivity and its model list.
func (d *Directory) Refresh(ctx context.Context, id string) (model.Server, error) {
	server, ok := d.ServerByID(id)
	if !ok {
		return model.Server{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	client := d.Client(server)
	health := client.CheckHealth(ctx)
	server.IsConnected = health.Connected
	server.LastChecked = time.Now().UTC()
	server.LastError = health.Error
	if health.Connected {
		if models, err := client.ListModels(ctx); err == nil {
			ids := make([]string, len(models))
			for i, m := range models {
				ids[i] = m.ID
			}
			server.Models = ids
		}
	}

	d.mu.Lock()
	// The server may have been removed or replaced while probing.
	if current, exists := d.servers[id]; exists && current.URL == server.URL {
		d.servers[id] = server
	}
	d.mu.Unlock()

	d.logger.Debug("server health", "server", id, "connected", health.Connected, "latency", health.Latency, "error", health.Error)
	return server, nil
}

// RefreshAll probes every server concurrently.
func (d *Directory) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range d.List() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = d.Refresh(ctx, id)
		}(s.ID)
	}
	wg.Wait()
}

// Watch refreshes all servers every interval until ctx ends.
func (d *Directory) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.RefreshAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RefreshAll(ctx)
		}
	}
}
