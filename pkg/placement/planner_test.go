package placement

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanScenario(t *testing.T) {
	// spec §8 concrete scenario 3.
	workers := []Worker{{CPU: 20, Memory: 24}, {CPU: 20, Memory: 24}}
	services := map[string]Service{
		"a": {CPU: 3, Memory: 5, Instances: 2},
		"b": {CPU: 2, Memory: 3, Instances: 3},
	}

	result := Plan(workers, services, []string{"a", "b"})
	require.Empty(t, result.Unplaced)
	require.Len(t, result.Assignments, 5)

	cpuUsed := make(map[int]uint64)
	memUsed := make(map[int]uint64)
	for _, a := range result.Assignments {
		svc := services[a.Service]
		cpuUsed[a.Node] += svc.CPU
		memUsed[a.Node] += svc.Memory
	}
	for i, w := range workers {
		require.LessOrEqual(t, cpuUsed[i], w.CPU)
		require.LessOrEqual(t, memUsed[i], w.Memory)
	}
}

func TestPlanDeterministic(t *testing.T) {
	workers := []Worker{{CPU: 20, Memory: 24}, {CPU: 20, Memory: 24}}
	services := map[string]Service{
		"a": {CPU: 3, Memory: 5, Instances: 2},
		"b": {CPU: 2, Memory: 3, Instances: 3},
	}
	order := []string{"a", "b"}

	r1 := Plan(workers, services, order)
	r2 := Plan(workers, services, order)
	require.Equal(t, r1, r2)
}

func TestPlanEmptyWorkers(t *testing.T) {
	services := map[string]Service{
		"a": {CPU: 3, Memory: 5, Instances: 2},
	}
	result := Plan(nil, services, []string{"a"})
	require.Empty(t, result.Assignments)
	require.Len(t, result.Unplaced, 2)
}

func TestPlanInfeasiblePartial(t *testing.T) {
	workers := []Worker{{CPU: 4, Memory: 4}}
	services := map[string]Service{
		"a": {CPU: 3, Memory: 3, Instances: 1},
		"b": {CPU: 5, Memory: 5, Instances: 1},
	}
	result := Plan(workers, services, []string{"a", "b"})
	require.Len(t, result.Assignments, 1)
	require.Len(t, result.Unplaced, 1)
	require.Equal(t, "b", result.Unplaced[0].Service)
}

func TestNodesNeeded(t *testing.T) {
	services := map[string]Service{
		"a": {CPU: 10, Memory: 10, Instances: 5},
	}
	n := NodesNeeded(services, Worker{CPU: 20, Memory: 40})
	require.Equal(t, 3, n) // ceil(max(50/20, 50/40)) = ceil(2.5) = 3
}

func TestNeverExceedsCapacity(t *testing.T) {
	workers := []Worker{{CPU: 10, Memory: 10}, {CPU: 10, Memory: 10}, {CPU: 10, Memory: 10}}
	services := map[string]Service{
		"svc": {CPU: 4, Memory: 4, Instances: 10},
	}
	result := Plan(workers, services, []string{"svc"})
	cpuUsed := make(map[int]uint64)
	memUsed := make(map[int]uint64)
	for _, a := range result.Assignments {
		svc := services[a.Service]
		cpuUsed[a.Node] += svc.CPU
		memUsed[a.Node] += svc.Memory
	}
	for i, w := range workers {
		require.LessOrEqual(t, cpuUsed[i], w.CPU)
		require.LessOrEqual(t, memUsed[i], w.Memory)
	}
	require.NotEmpty(t, result.Unplaced) // 10 instances * 4 cpu = 40 > 30 total capacity
}
