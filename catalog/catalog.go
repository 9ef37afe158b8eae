// Package catalog aggregates the per-format backends into one queryable
// plugin listing. Scanning is cheap metadata enumeration; Introspect pays
// the cost of a real instantiation for one plugin on demand.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lemonxah/zestbay/backend"
)

const introspectSampleRate = 48000

// Catalog indexes every installed plugin across all registered backends.
type Catalog struct {
	backends []backend.Backend
	log      *logrus.Entry

	mu     sync.RWMutex
	descs  backend.Descriptors
	params map[string][]backend.Parameter
}

// New creates a catalog over the given backends.
func New(backends ...backend.Backend) *Catalog {
	return &Catalog{
		backends: backends,
		log:      logrus.WithField("component", "catalog"),
		params:   map[string][]backend.Parameter{},
	}
}

// Scan refreshes the listing by scanning every backend concurrently. One
// failing backend fails the whole refresh; partial results are discarded.
func (c *Catalog) Scan(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	results := make([]backend.Descriptors, len(c.backends))
	for i, b := range c.backends {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			descs, err := b.Scan()
			if err != nil {
				return fmt.Errorf("%s scan: %w", b.Format(), err)
			}
			results[i] = descs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var merged backend.Descriptors
	for _, r := range results {
		merged = append(merged, r...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Format != merged[j].Format {
			return merged[i].Format < merged[j].Format
		}
		return merged[i].URI < merged[j].URI
	})

	c.mu.Lock()
	c.descs = merged
	c.mu.Unlock()
	c.log.WithField("plugins", len(merged)).Info("Catalog refreshed")
	return nil
}

// Descriptors returns a copy of the current listing.
func (c *Catalog) Descriptors() backend.Descriptors {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(backend.Descriptors, len(c.descs))
	copy(out, c.descs)
	return out
}

// Find looks up one plugin by format and URI.
func (c *Catalog) Find(format backend.Format, uri string) (backend.Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.descs {
		if d.Format == format && d.URI == uri {
			return d, true
		}
	}
	return backend.Descriptor{}, false
}

// Introspect instantiates a plugin briefly to learn its parameter set.
// Results are cached per URI; formats with full static metadata never need
// this.
func (c *Catalog) Introspect(format backend.Format, uri string) ([]backend.Parameter, error) {
	key := string(format) + ":" + uri
	c.mu.RLock()
	cached, ok := c.params[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	desc, ok := c.Find(format, uri)
	if !ok {
		return nil, fmt.Errorf("unknown plugin %s:%s", format, uri)
	}
	if !desc.Compatible {
		return nil, fmt.Errorf("plugin %s is not loadable", uri)
	}
	b := c.backendFor(format)
	if b == nil {
		return nil, fmt.Errorf("no backend for format %s", format)
	}

	inst, err := b.Instantiate(desc, introspectSampleRate)
	if err != nil {
		return nil, err
	}
	params := inst.Parameters()
	inst.Destroy()

	c.mu.Lock()
	c.params[key] = params
	c.mu.Unlock()
	return params, nil
}

// Instantiate creates a live instance through the owning backend.
func (c *Catalog) Instantiate(format backend.Format, uri string, sampleRate float64) (backend.Instance, error) {
	desc, ok := c.Find(format, uri)
	if !ok {
		return nil, fmt.Errorf("unknown plugin %s:%s", format, uri)
	}
	b := c.backendFor(format)
	if b == nil {
		return nil, fmt.Errorf("no backend for format %s", format)
	}
	return b.Instantiate(desc, sampleRate)
}

func (c *Catalog) backendFor(format backend.Format) backend.Backend {
	for _, b := range c.backends {
		if b.Format() == format {
			return b
		}
	}
	return nil
}
