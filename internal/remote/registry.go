package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"planner/internal/models"

	"golang.org/x/oauth2"
)

var ErrUnknownResource = errors.New("unknown resource")

// Handler delivers one mutation to its remote endpoint.
type Handler func(ctx context.Context, m models.QueuedMutation, token *oauth2.Token) error

// Registry maps resource names to the handler that writes them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for resource.
func (r *Registry) Register(resource string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[resource] = h
}

func (r *Registry) Lookup(resource string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[resource]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	return h, nil
}

// Resources lists registered resource names in order.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultEndpoints are the write endpoints of the remote API.
var DefaultEndpoints = map[string]string{
	models.ResourceTasks:   "/api/manage-task",
	models.ResourcePlans:   "/api/save-plan",
	models.ResourceReviews: "/api/save-review",
	models.ResourceHabits:  "/api/save-habit",
	models.ResourceIdeas:   "/api/save-idea",
}

// DefaultRegistry wires every known resource to its endpoint on c.
// overrides replaces endpoint paths by resource name.
func DefaultRegistry(c *Client, overrides map[string]string) *Registry {
	r := NewRegistry()
	endpoints := make(map[string]string, len(DefaultEndpoints))
	for k, v := range DefaultEndpoints {
		endpoints[k] = v
	}
	for k, v := range overrides {
		endpoints[k] = v
	}

	for resource, path := range endpoints {
		if resource == models.ResourceTasks {
			r.Register(resource, ActionHandler(c, path))
			continue
		}
		r.Register(resource, PayloadHandler(c, path))
	}
	return r
}

// PayloadHandler posts the mutation payload unchanged.
func PayloadHandler(c *Client, path string) Handler {
	return func(ctx context.Context, m models.QueuedMutation, token *oauth2.Token) error {
		body := []byte(m.Payload)
		if len(body) == 0 {
			body = []byte("null")
		}
		return c.PostRaw(ctx, path, token, body)
	}
}

// ActionHandler posts to a multiplexed endpoint: the mutation type is
// written into the payload object as "action".
func ActionHandler(c *Client, path string) Handler {
	return func(ctx context.Context, m models.QueuedMutation, token *oauth2.Token) error {
		body, err := withAction(m)
		if err != nil {
			return err
		}
		return c.Post(ctx, path, token, body)
	}
}

func withAction(m models.QueuedMutation) (map[string]any, error) {
	body := map[string]any{}
	if len(m.Payload) > 0 && string(m.Payload) != "null" {
		if err := json.Unmarshal(m.Payload, &body); err != nil {
			return nil, fmt.Errorf("payload for %s must be a JSON object: %w", m.Resource, err)
		}
	}
	if _, ok := body["action"]; !ok {
		body["action"] = string(m.Type)
	}
	return body, nil
}
