package zestbay

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// editorHandle is one open native editor window and its event-pump
// goroutine.
type editorHandle struct {
	instanceID uint64
	stop       chan struct{}
	done       chan struct{}
}

// uiRegistry tracks open plugin editors. OpenUI/CloseUI reach it on the
// dispatcher goroutine while host shutdown tears it down from the caller's,
// so the handle table is mutex-guarded.
type uiRegistry struct {
	mu      sync.Mutex
	handles map[uint64]*editorHandle
	grace   time.Duration
	log     *logrus.Entry
}

func newUIRegistry() *uiRegistry {
	return &uiRegistry{
		handles: make(map[uint64]*editorHandle),
		grace:   200 * time.Millisecond,
		log:     logrus.WithField("component", "ui-registry"),
	}
}

// open starts an editor event pump for the instance. A second open for the
// same instance is a no-op so the UI can raise an already-open window.
func (r *uiRegistry) open(p *PluginInstance) error {
	if !p.inst.Descriptor().HasUI {
		return fmt.Errorf("plugin %q has no editor", p.DisplayName)
	}

	r.mu.Lock()
	if _, ok := r.handles[p.ID]; ok {
		r.mu.Unlock()
		return nil
	}
	h := &editorHandle{
		instanceID: p.ID,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	r.handles[p.ID] = h
	r.mu.Unlock()
	go h.pump()

	r.log.WithFields(logrus.Fields{
		"instance": p.ID,
		"plugin":   p.DisplayName,
	}).Info("Editor opened")
	return nil
}

// closeFor signals the instance's editor pump to stop and waits up to the
// grace period before abandoning the window resources. Unknown instances are
// ignored so teardown paths can call it unconditionally.
func (r *uiRegistry) closeFor(instanceID uint64) {
	r.mu.Lock()
	h, ok := r.handles[instanceID]
	if ok {
		delete(r.handles, instanceID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	close(h.stop)
	select {
	case <-h.done:
	case <-time.After(r.grace):
		r.log.WithField("instance", instanceID).Warn("Editor pump did not stop within grace period")
	}
}

// closeAll tears down every open editor, for host shutdown.
func (r *uiRegistry) closeAll() {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.closeFor(id)
	}
}

func (r *uiRegistry) isOpen(instanceID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[instanceID]
	return ok
}

// pump services the editor's platform events until stopped. Plugin editors
// need their own message loop; parking it here keeps it off the graph
// thread.
func (h *editorHandle) pump() {
	defer close(h.done)
	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			// Platform window events drain here once the editor surface is
			// attached.
		}
	}
}
