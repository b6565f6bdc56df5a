package workflow

import (
	"sync"
	"time"
)

// ExecutionStatus represents the status of a run or a node attempt in the history
type ExecutionStatus string

const (
	// ExecutionStatusRunning indicates the execution is in progress
	ExecutionStatusRunning ExecutionStatus = "running"
	// ExecutionStatusCompleted indicates the execution completed successfully
	ExecutionStatusCompleted ExecutionStatus = "completed"
	// ExecutionStatusFailed indicates the execution failed
	ExecutionStatusFailed ExecutionStatus = "failed"
	// ExecutionStatusSkipped indicates the node was not dispatched
	ExecutionStatusSkipped ExecutionStatus = "skipped"
)

// NodeExecution records the execution of a single node
type NodeExecution struct {
	NodeID    string          `json:"node_id"`
	NodeType  string          `json:"node_type"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Duration  time.Duration   `json:"duration"`
	Status    ExecutionStatus `json:"status"`
	Attempts  int             `json:"attempts,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ExecutionHistory records the chronological execution path of one run
type ExecutionHistory struct {
	RunID      string           `json:"run_id"`
	WorkflowID string           `json:"workflow_id"`
	StartTime  time.Time        `json:"start_time"`
	EndTime    time.Time        `json:"end_time"`
	Duration   time.Duration    `json:"duration"`
	Status     ExecutionStatus  `json:"status"`
	Nodes      []*NodeExecution `json:"nodes"`
	Error      string           `json:"error,omitempty"`
	mu         sync.RWMutex
}

// NewExecutionHistory creates a new execution history
func NewExecutionHistory(runID, workflowID string) *ExecutionHistory {
	return &ExecutionHistory{
		RunID:      runID,
		WorkflowID: workflowID,
		StartTime:  time.Now(),
		Status:     ExecutionStatusRunning,
		Nodes:      make([]*NodeExecution, 0),
	}
}

// RecordNodeStart records the dispatch of a node
func (h *ExecutionHistory) RecordNodeStart(nodeID, nodeType string) *NodeExecution {
	h.mu.Lock()
	defer h.mu.Unlock()

	node := &NodeExecution{
		NodeID:    nodeID,
		NodeType:  nodeType,
		StartTime: time.Now(),
		Status:    ExecutionStatusRunning,
	}
	h.Nodes = append(h.Nodes, node)
	return node
}

// RecordNodeEnd records the terminal outcome of a dispatched node
func (h *ExecutionHistory) RecordNodeEnd(node *NodeExecution, attempts int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	node.EndTime = time.Now()
	node.Duration = node.EndTime.Sub(node.StartTime)
	node.Attempts = attempts

	if err != nil {
		node.Status = ExecutionStatusFailed
		node.Error = err.Error()
	} else {
		node.Status = ExecutionStatusCompleted
	}
}

// RecordNodeSettled records a node that reached a terminal state without dispatch
func (h *ExecutionHistory) RecordNodeSettled(nodeID, nodeType string, status ExecutionStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	node := &NodeExecution{
		NodeID:    nodeID,
		NodeType:  nodeType,
		StartTime: now,
		EndTime:   now,
		Status:    status,
	}
	if err != nil {
		node.Error = err.Error()
	}
	h.Nodes = append(h.Nodes, node)
}

// Complete marks the run as finished
func (h *ExecutionHistory) Complete(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.EndTime = time.Now()
	h.Duration = h.EndTime.Sub(h.StartTime)

	if err != nil {
		h.Status = ExecutionStatusFailed
		h.Error = err.Error()
	} else {
		h.Status = ExecutionStatusCompleted
	}
}

// GetNodes returns a copy of the node executions
func (h *ExecutionHistory) GetNodes() []*NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	nodes := make([]*NodeExecution, len(h.Nodes))
	copy(nodes, h.Nodes)
	return nodes
}

// GetNodeByID returns the execution record for a specific node
func (h *ExecutionHistory) GetNodeByID(nodeID string) *NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, node := range h.Nodes {
		if node.NodeID == nodeID {
			return node
		}
	}
	return nil
}

// Path returns the ids of nodes that reached a terminal state, in completion order
func (h *ExecutionHistory) Path() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	path := make([]string, 0, len(h.Nodes))
	for _, node := range h.Nodes {
		if node.Status != ExecutionStatusRunning {
			path = append(path, node.NodeID)
		}
	}
	return path
}

// ExecutionHistoryStore keeps histories of recent runs in memory
type ExecutionHistoryStore struct {
	histories map[string]*ExecutionHistory
	order     []string
	limit     int
	mu        sync.RWMutex
}

// NewExecutionHistoryStore creates a store keeping at most limit histories (0 = unbounded)
func NewExecutionHistoryStore(limit int) *ExecutionHistoryStore {
	return &ExecutionHistoryStore{
		histories: make(map[string]*ExecutionHistory),
		limit:     limit,
	}
}

// Save saves an execution history, evicting the oldest one past the limit
func (s *ExecutionHistoryStore) Save(history *ExecutionHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.histories[history.RunID]; !exists {
		s.order = append(s.order, history.RunID)
	}
	s.histories[history.RunID] = history
	if s.limit > 0 && len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.histories, oldest)
	}
}

// Get retrieves an execution history by run id
func (s *ExecutionHistoryStore) Get(runID string) (*ExecutionHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[runID]
	return h, ok
}

// ListByWorkflow returns all stored runs of a workflow, oldest first
func (s *ExecutionHistoryStore) ListByWorkflow(workflowID string) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExecutionHistory
	for _, id := range s.order {
		if h := s.histories[id]; h.WorkflowID == workflowID {
			result = append(result, h)
		}
	}
	return result
}

// ListByStatus returns stored runs with a specific status, oldest first
func (s *ExecutionHistoryStore) ListByStatus(status ExecutionStatus) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExecutionHistory
	for _, id := range s.order {
		h := s.histories[id]
		h.mu.RLock()
		match := h.Status == status
		h.mu.RUnlock()
		if match {
			result = append(result, h)
		}
	}
	return result
}
