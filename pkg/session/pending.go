package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/cpesim/pkg/soap"
)

// PendingRequest is a CPE-initiated request waiting to be sent to the ACS.
type PendingRequest struct {
	ID       string
	Method   string
	Body     *soap.Element
	QueuedAt time.Time
}

// PendingQueue holds CPE-initiated requests in FIFO order. The Download
// worker enqueues from its own goroutine; the session loop peeks and
// removes each entry only after its exchange completes.
type PendingQueue struct {
	maxSize int
	logger  *zap.Logger

	mu       sync.RWMutex
	requests []*PendingRequest
	byID     map[string]*PendingRequest

	// Statistics
	enqueued int64
	sent     int64
}

// NewPendingQueue creates a new pending queue.
func NewPendingQueue(maxSize int, logger *zap.Logger) *PendingQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingQueue{
		maxSize:  maxSize,
		logger:   logger,
		requests: make([]*PendingRequest, 0, maxSize),
		byID:     make(map[string]*PendingRequest),
	}
}

// Enqueue appends a request to the queue.
func (q *PendingQueue) Enqueue(req *PendingRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.requests) >= q.maxSize {
		return fmt.Errorf("pending queue full (max %d)", q.maxSize)
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.QueuedAt.IsZero() {
		req.QueuedAt = time.Now()
	}

	q.requests = append(q.requests, req)
	q.byID[req.ID] = req
	q.enqueued++

	q.logger.Debug("Request queued",
		zap.String("id", req.ID),
		zap.String("method", req.Method),
		zap.Int("depth", len(q.requests)),
	)

	return nil
}

// Peek returns the oldest request without removing it.
func (q *PendingQueue) Peek() *PendingRequest {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.requests) == 0 {
		return nil
	}
	return q.requests[0]
}

// Remove removes a request once the ACS has acknowledged it.
func (q *PendingQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[id]; !ok {
		return false
	}

	for i, r := range q.requests {
		if r.ID == id {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	delete(q.byID, id)
	q.sent++

	return true
}

// Len returns the number of queued requests.
func (q *PendingQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.requests)
}

// Stats returns queue statistics.
func (q *PendingQueue) Stats() (enqueued, sent int64, current int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.enqueued, q.sent, len(q.requests)
}

// ListAll returns a copy of the queued requests, oldest first.
func (q *PendingQueue) ListAll() []*PendingRequest {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*PendingRequest, len(q.requests))
	copy(result, q.requests)
	return result
}
