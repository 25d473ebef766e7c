// Package placement implements the Placement Planner (C8): a deterministic
// bin-packing scheduler that assigns workload instances to worker nodes
// under CPU+memory capacity.
package placement

import (
	"math"
	"sort"
)

// Worker is one candidate node's capacity.
type Worker struct {
	CPU    uint64
	Memory uint64
}

// Service is a workload's per-instance requirement and instance count.
type Service struct {
	CPU       uint64
	Memory    uint64
	Instances int
}

// Assignment records which node index a (service, instance) pair landed on.
type Assignment struct {
	Service  string
	Instance int
	Node     int
}

// Unplaced records a (service, instance) pair the planner could not fit
// anywhere, per spec §4.8 step 4 / §7 placement_infeasible.
type Unplaced struct {
	Service  string
	Instance int
}

// Result is the planner's output: every successfully placed pair plus the
// list of pairs it could not place.
type Result struct {
	Assignments []Assignment
	Unplaced    []Unplaced
}

type pair struct {
	service string
	index   int
	cpu     uint64
	memory  uint64
	order   int // insertion order, for deterministic tie-breaking
}

// Plan assigns every instance of every service to a worker, preferring the
// node with the least projected usage among those that fit, per spec §4.8.
// services is a map so callers can name services arbitrarily; Plan imposes
// its own deterministic ordering over the map via serviceOrder to keep the
// result reproducible regardless of Go's randomized map iteration.
func Plan(workers []Worker, services map[string]Service, serviceOrder []string) Result {
	pairs := flatten(services, serviceOrder)

	sort.SliceStable(pairs, func(i, j int) bool {
		ti := totalWeight(services[pairs[i].service])
		tj := totalWeight(services[pairs[j].service])
		if ti != tj {
			return ti > tj // descending: fat services first
		}
		return pairs[i].order < pairs[j].order
	})

	cpuUsed := make([]uint64, len(workers))
	memUsed := make([]uint64, len(workers))

	var result Result
	for _, p := range pairs {
		best := -1
		var bestProjected uint64
		for i, w := range workers {
			if cpuUsed[i]+p.cpu > w.CPU || memUsed[i]+p.memory > w.Memory {
				continue
			}
			projected := cpuUsed[i] + p.cpu + memUsed[i] + p.memory
			if best == -1 || projected < bestProjected {
				best = i
				bestProjected = projected
			}
		}
		if best == -1 {
			result.Unplaced = append(result.Unplaced, Unplaced{Service: p.service, Instance: p.index})
			continue
		}
		cpuUsed[best] += p.cpu
		memUsed[best] += p.memory
		result.Assignments = append(result.Assignments, Assignment{Service: p.service, Instance: p.index, Node: best})
	}
	return result
}

func flatten(services map[string]Service, order []string) []pair {
	var pairs []pair
	n := 0
	for _, name := range order {
		svc, ok := services[name]
		if !ok {
			continue
		}
		for i := 0; i < svc.Instances; i++ {
			pairs = append(pairs, pair{service: name, index: i, cpu: svc.CPU, memory: svc.Memory, order: n})
			n++
		}
	}
	return pairs
}

func totalWeight(s Service) uint64 {
	return s.CPU*uint64(s.Instances) + s.Memory*uint64(s.Instances)
}

// NodesNeeded computes ceil(max(sum(CPU)/cap.CPU, sum(Memory)/cap.Memory))
// for capacity-planning queries when no concrete worker list is known yet,
// per spec §4.8's auxiliary operation.
func NodesNeeded(services map[string]Service, cap Worker) int {
	var sumCPU, sumMem uint64
	for _, s := range services {
		sumCPU += s.CPU * uint64(s.Instances)
		sumMem += s.Memory * uint64(s.Instances)
	}
	if cap.CPU == 0 || cap.Memory == 0 {
		return 0
	}
	byCPU := float64(sumCPU) / float64(cap.CPU)
	byMem := float64(sumMem) / float64(cap.Memory)
	return int(math.Ceil(math.Max(byCPU, byMem)))
}
