package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/pkg/models"
)

// RTDBContextStore keeps tenant context documents in the realtime
// database, one node per (type, service) pair.
type RTDBContextStore struct {
	store rtdb.Client
}

// NewRTDBContextStore wraps an RTDB client as a ContextStore.
func NewRTDBContextStore(store rtdb.Client) *RTDBContextStore {
	return &RTDBContextStore{store: store}
}

var _ ContextStore = (*RTDBContextStore)(nil)

// ReadContext returns the document's text. An absent document reads as
// empty: UPDATE_CONTEXT may legitimately create one from scratch.
func (s *RTDBContextStore) ReadContext(ctx context.Context, tenantID, contextType, serviceName string) (string, error) {
	raw, err := s.store.Get(ctx, rtdb.ServiceContextPath(tenantID, contextType, serviceName))
	if err != nil {
		return "", fmt.Errorf("read context %s/%s: %w", contextType, serviceName, err)
	}
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case map[string]any:
		text, _ := v["content"].(string)
		return text, nil
	default:
		return "", fmt.Errorf("context %s/%s has unexpected shape %T", contextType, serviceName, raw)
	}
}

// WriteContext replaces the document, stamping the update time.
func (s *RTDBContextStore) WriteContext(ctx context.Context, tenantID, contextType, serviceName, content string) error {
	record := map[string]any{
		"content":    content,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
		"updated_by": models.SenderPinnokio,
	}
	if err := s.store.Set(ctx, rtdb.ServiceContextPath(tenantID, contextType, serviceName), record); err != nil {
		return fmt.Errorf("write context %s/%s: %w", contextType, serviceName, err)
	}
	return nil
}
