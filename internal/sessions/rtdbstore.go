package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/pkg/models"
)

// RTDBContextStore resolves tenant profiles and job snapshots from the
// realtime database. Profiles live under the user's tenant node; jobs
// under the tenant's jobs container.
type RTDBContextStore struct {
	store rtdb.Client
}

// NewRTDBContextStore wraps an RTDB client as a ContextStore.
func NewRTDBContextStore(store rtdb.Client) *RTDBContextStore {
	return &RTDBContextStore{store: store}
}

var _ ContextStore = (*RTDBContextStore)(nil)

// LoadUserContext reads the stored profile and stamps the requesting
// client identity on it.
func (s *RTDBContextStore) LoadUserContext(ctx context.Context, userID, tenantID, clientUUID string) (*models.UserContext, error) {
	raw, err := s.store.Get(ctx, rtdb.UserProfilePath(userID, tenantID))
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("no profile for user %s in tenant %s", userID, tenantID)
	}

	// RTDB nodes decode as map[string]any; round-trip through JSON to
	// pick up the struct tags.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	var uc models.UserContext
	if err := json.Unmarshal(buf, &uc); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	uc.UserID = userID
	uc.TenantID = tenantID
	uc.ClientUUID = clientUUID
	if uc.MandatePath == "" {
		return nil, fmt.Errorf("profile for %s/%s has no mandate path", userID, tenantID)
	}
	return &uc, nil
}

// LoadJobs reads the tenant's job records and aggregates the counters the
// system prompt carries. Jobs are returned oldest key first.
func (s *RTDBContextStore) LoadJobs(ctx context.Context, userID, tenantID string) ([]models.JobRecord, models.JobsMetrics, error) {
	metrics := models.JobsMetrics{RefreshedAt: time.Now().UTC()}

	raw, err := s.store.Get(ctx, rtdb.TenantJobsPath(tenantID))
	if err != nil {
		return nil, metrics, fmt.Errorf("read jobs: %w", err)
	}
	node, ok := raw.(map[string]any)
	if !ok || len(node) == 0 {
		return nil, metrics, nil
	}

	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	jobs := make([]models.JobRecord, 0, len(keys))
	byDept := map[string]int{}
	byStatus := map[string]int{}
	for _, k := range keys {
		obj, ok := node[k].(map[string]any)
		if !ok {
			continue
		}
		job := models.JobRecord{JobID: k}
		if v, _ := obj["job_id"].(string); v != "" {
			job.JobID = v
		}
		job.Department, _ = obj["department"].(string)
		job.Title, _ = obj["title"].(string)
		job.Status, _ = obj["status"].(string)
		job.ThreadKey, _ = obj["thread_key"].(string)

		jobs = append(jobs, job)
		if job.Department != "" {
			byDept[job.Department]++
		}
		if job.Status != "" {
			byStatus[job.Status]++
		}
	}

	metrics.Total = len(jobs)
	if len(byDept) > 0 {
		metrics.ByDepartment = byDept
	}
	if len(byStatus) > 0 {
		metrics.ByStatus = byStatus
	}
	return jobs, metrics, nil
}
