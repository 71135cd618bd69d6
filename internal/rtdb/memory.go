package rtdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// listenerQueueSize bounds undelivered child events per listener. A full
// queue drops the oldest event rather than blocking writers.
const listenerQueueSize = 256

// MemoryClient is an in-process Client backed by a nested map tree. It
// preserves the delivery contract of the production driver: child events
// arrive in write order on a per-listener dispatcher goroutine.
type MemoryClient struct {
	mu        sync.RWMutex
	root      map[string]any
	listeners map[string]map[int]*memoryListener
	nextID    int
	pushSeq   int64
}

type memoryListener struct {
	events chan ChildEvent
	done   chan struct{}
	once   sync.Once
}

// NewMemoryClient creates an empty in-memory RTDB tree.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		root:      map[string]any{},
		listeners: map[string]map[int]*memoryListener{},
	}
}

func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("rtdb: empty path")
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("rtdb: malformed path %q", path)
		}
	}
	return parts, nil
}

func (c *MemoryClient) Get(ctx context.Context, path string) (any, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	node := any(c.root)
	for _, p := range parts {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, nil
		}
		node, ok = obj[p]
		if !ok {
			return nil, nil
		}
	}
	return deepCopy(node), nil
}

func (c *MemoryClient) Set(ctx context.Context, path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	parent := c.ensureParent(parts)
	key := parts[len(parts)-1]
	_, existed := parent[key]
	parent[key] = deepCopy(value)
	var notify []func()
	if !existed {
		notify = c.childNotifications(parts, value)
	}
	c.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (c *MemoryClient) Update(ctx context.Context, path string, patch map[string]any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	parent := c.ensureParent(parts)
	key := parts[len(parts)-1]
	obj, ok := parent[key].(map[string]any)
	created := !ok
	if !ok {
		obj = map[string]any{}
		parent[key] = obj
	}
	for k, v := range patch {
		obj[k] = deepCopy(v)
	}
	var notify []func()
	if created {
		notify = c.childNotifications(parts, obj)
	}
	c.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (c *MemoryClient) Push(ctx context.Context, path string, value any) (string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.pushSeq++
	key := fmt.Sprintf("%013d-%06d", time.Now().UnixMilli(), c.pushSeq)
	container := c.ensureObject(parts)
	container[key] = deepCopy(value)
	notify := c.childNotifications(append(parts, key), value)
	c.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return key, nil
}

func (c *MemoryClient) Delete(ctx context.Context, path string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	node := c.root
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			return nil
		}
		node = next
	}
	delete(node, parts[len(parts)-1])
	return nil
}

func (c *MemoryClient) Listen(path string, fn func(ChildEvent)) (CancelFunc, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	key := strings.Join(parts, "/")

	l := &memoryListener{
		events: make(chan ChildEvent, listenerQueueSize),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[key] == nil {
		c.listeners[key] = map[int]*memoryListener{}
	}
	c.listeners[key][id] = l
	c.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-l.events:
				fn(ev)
			case <-l.done:
				return
			}
		}
	}()

	cancel := func() {
		l.once.Do(func() {
			c.mu.Lock()
			delete(c.listeners[key], id)
			c.mu.Unlock()
			close(l.done)
		})
	}
	return cancel, nil
}

// ensureParent returns the object holding the final path segment, creating
// intermediate objects as needed. Caller holds the write lock.
func (c *MemoryClient) ensureParent(parts []string) map[string]any {
	return c.ensureObject(parts[:len(parts)-1])
}

// ensureObject walks parts creating objects, replacing scalars in the way.
// Caller holds the write lock.
func (c *MemoryClient) ensureObject(parts []string) map[string]any {
	node := c.root
	for _, p := range parts {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	return node
}

// childNotifications collects listener deliveries for a newly created
// child. Caller holds the write lock; returned closures are invoked after
// it is released.
func (c *MemoryClient) childNotifications(parts []string, value any) []func() {
	if len(parts) < 2 {
		return nil
	}
	parent := strings.Join(parts[:len(parts)-1], "/")
	subs := c.listeners[parent]
	if len(subs) == 0 {
		return nil
	}
	ev := ChildEvent{Key: parts[len(parts)-1], Value: deepCopy(value)}
	var out []func()
	for _, l := range subs {
		l := l
		out = append(out, func() {
			select {
			case l.events <- ev:
			default:
				// Queue full: drop the oldest to keep writers unblocked.
				select {
				case <-l.events:
				default:
				}
				select {
				case l.events <- ev:
				default:
				}
			}
		})
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
