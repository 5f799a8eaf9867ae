package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RepoStats represents aggregated operation metrics for one repository root.
type RepoStats struct {
	RepoRoot      string  `json:"repo_root"`
	OpsCompleted  int64   `json:"ops_completed"`
	OpsFailed     int64   `json:"ops_failed"`
	PendingDepth  int64   `json:"pending_depth"`
	AvgOpSeconds  float64 `json:"avg_op_seconds"`
	RunningAgents int64   `json:"running_agents"`
}

// QueryService provides methods to query coordinator metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// opsQuery renders the PromQL for terminal op counts, scoped to one repo
// root when given, global otherwise.
func opsQuery(repoRoot, statusMatcher string) string {
	if repoRoot == "" {
		return fmt.Sprintf(`sum(hatch_git_ops_total{%s})`, statusMatcher)
	}
	return fmt.Sprintf(`sum(hatch_git_ops_total{repo=%q,%s})`, repoRoot, statusMatcher)
}

// avgQuery renders the PromQL for mean op duration with the same scoping.
func avgQuery(repoRoot string) string {
	selector := ""
	if repoRoot != "" {
		selector = fmt.Sprintf(`repo=%q`, repoRoot)
	}
	return fmt.Sprintf(`sum(hatch_git_op_seconds_sum{%[1]s}) / sum(hatch_git_op_seconds_count{%[1]s})`, selector)
}

// pendingQuery renders the PromQL for queue depth with the same scoping.
func pendingQuery(repoRoot string) string {
	if repoRoot == "" {
		return `sum(hatch_queue_pending)`
	}
	return fmt.Sprintf(`hatch_queue_pending{repo=%q}`, repoRoot)
}

// GetRepoStats retrieves aggregated operation metrics. An empty repoRoot
// aggregates across every repository.
func (q *QueryService) GetRepoStats(ctx context.Context, repoRoot string) (*RepoStats, error) {
	stats := &RepoStats{RepoRoot: repoRoot}

	completed, err := q.scalar(ctx, opsQuery(repoRoot, `status="completed"`))
	if err != nil {
		return nil, fmt.Errorf("failed to query completed ops: %w", err)
	}
	stats.OpsCompleted = int64(completed)

	failed, err := q.scalar(ctx, opsQuery(repoRoot, `status=~"failed|timeout"`))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed ops: %w", err)
	}
	stats.OpsFailed = int64(failed)

	pending, err := q.scalar(ctx, pendingQuery(repoRoot))
	if err != nil {
		return nil, fmt.Errorf("failed to query queue depth: %w", err)
	}
	stats.PendingDepth = int64(pending)

	avg, err := q.scalar(ctx, avgQuery(repoRoot))
	if err == nil {
		stats.AvgOpSeconds = avg
	}

	agents, err := q.scalar(ctx, `hatch_agents_running`)
	if err == nil {
		stats.RunningAgents = int64(agents)
	}

	return stats, nil
}

// scalar runs an instant query and returns the first sample value, or 0 when
// the result is empty.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}

	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
