package sqlite

import (
	"fmt"
	"sort"

	registrystore "github.com/chirino/task-service/internal/registry/store"
	"gorm.io/gorm"
)

// edgeSet maps a task id to its outgoing edges. Both parent_task_id and
// depends_on edges point the same way for acyclicity purposes; the union
// must stay a DAG over non-deleted tasks.
type edgeSet map[int64][]int64

// loadEdges builds the outgoing edge set over non-deleted tasks. Edges whose
// far endpoint is soft-deleted are excluded: the graph invariant is scoped to
// live rows.
func loadEdges(tx *gorm.DB) (edgeSet, error) {
	type parentRow struct {
		ID           int64  `gorm:"column:id"`
		ParentTaskID *int64 `gorm:"column:parent_task_id"`
	}
	var parents []parentRow
	err := tx.Table("tasks").
		Select("id, parent_task_id").
		Where("deleted_at IS NULL").
		Scan(&parents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load task graph: %w", err)
	}

	live := make(map[int64]bool, len(parents))
	for _, r := range parents {
		live[r.ID] = true
	}

	edges := make(edgeSet, len(parents))
	for _, r := range parents {
		if r.ParentTaskID != nil && live[*r.ParentTaskID] {
			edges[r.ID] = append(edges[r.ID], *r.ParentTaskID)
		}
	}

	type depRow struct {
		TaskID      int64 `gorm:"column:task_id"`
		DependsOnID int64 `gorm:"column:depends_on_id"`
	}
	var deps []depRow
	err = tx.Table("task_dependencies").
		Select("task_id, depends_on_id").
		Scan(&deps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency edges: %w", err)
	}
	for _, d := range deps {
		if live[d.TaskID] && live[d.DependsOnID] {
			edges[d.TaskID] = append(edges[d.TaskID], d.DependsOnID)
		}
	}

	for id := range edges {
		sort.Slice(edges[id], func(i, j int) bool { return edges[id][i] < edges[id][j] })
	}
	return edges, nil
}

// pathTo returns a path from start to target along existing edges, or nil if
// target is unreachable. Neighbors are visited in sorted order so the
// reported cycle is deterministic.
func (g edgeSet) pathTo(start, target int64) []int64 {
	visited := make(map[int64]bool)
	var path []int64

	var dfs func(n int64) bool
	dfs = func(n int64) bool {
		if visited[n] {
			return false
		}
		visited[n] = true
		path = append(path, n)
		if n == target {
			return true
		}
		for _, m := range g[n] {
			if dfs(m) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if dfs(start) {
		return path
	}
	return nil
}

// checkTaskGraph validates the proposed edge set for taskID (its parent plus
// every dependency) against the current graph. Each proposed edge taskID->d
// is rejected if taskID is reachable from d, which is exactly the condition
// under which adding the edge closes a cycle.
func checkTaskGraph(tx *gorm.DB, taskID int64, parentID *int64, dependsOn []int64) error {
	proposed := make([]int64, 0, len(dependsOn)+1)
	if parentID != nil {
		proposed = append(proposed, *parentID)
	}
	proposed = append(proposed, dependsOn...)
	if len(proposed) == 0 {
		return nil
	}

	edges, err := loadEdges(tx)
	if err != nil {
		return err
	}
	// Replace the task's outgoing edges with the proposed set so the check
	// covers the state after the write.
	edges[taskID] = proposed

	for _, dest := range proposed {
		if dest == taskID {
			return &registrystore.CycleError{Cycle: []int64{taskID, taskID}}
		}
		if path := edges.pathTo(dest, taskID); path != nil {
			cycle := append([]int64{taskID}, path...)
			return &registrystore.CycleError{Cycle: cycle}
		}
	}
	return nil
}
