package backend

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

// offer delivers a snapshot without blocking the updater. A full buffer sheds
// the oldest snapshot, never the incoming one, so a slow consumer still sees
// the latest state and the terminal snapshot cannot be lost.
func offer[T any](ch chan T, snapshot T) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Memory is an in-process Backend with the same push semantics as the
// SurrealDB implementation. It backs tests and the one-shot CLI search.
type Memory struct {
	mu          sync.RWMutex
	jobs        map[string]*IngestJob
	requests    map[string]*SearchRequest
	collections map[string]*Collection

	jobSubs     map[string][]chan IngestJob
	requestSubs map[string][]chan SearchRequest
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*IngestJob),
		requests:    make(map[string]*SearchRequest),
		collections: make(map[string]*Collection),
		jobSubs:     make(map[string][]chan IngestJob),
		requestSubs: make(map[string][]chan SearchRequest),
	}
}

func (m *Memory) CreateIngestJob(ctx context.Context, job *IngestJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *job
	m.jobs[job.ID] = &stored
	return nil
}

func (m *Memory) GetIngestJob(ctx context.Context, id string) (*IngestJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

func (m *Memory) UpdateIngestJob(ctx context.Context, id string, update JobUpdate) (*IngestJob, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	// Terminal records are immutable; a second completion is a no-op.
	if job.Status.Terminal() {
		snapshot := *job
		m.mu.Unlock()
		return &snapshot, nil
	}

	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.TotalImages != nil {
		job.TotalImages = update.TotalImages
	}
	if update.ProcessedImages != nil {
		job.ProcessedImages = *update.ProcessedImages
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.WorkHandle != nil {
		job.WorkHandle = *update.WorkHandle
	}
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	}
	if update.FinishedAt != nil {
		job.FinishedAt = update.FinishedAt
	}

	snapshot := *job
	subs := append([]chan IngestJob(nil), m.jobSubs[id]...)
	m.mu.Unlock()

	for _, ch := range subs {
		offer(ch, snapshot)
	}
	return &snapshot, nil
}

func (m *Memory) CreateSearchRequest(ctx context.Context, req *SearchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *req
	m.requests[req.ID] = &stored
	return nil
}

func (m *Memory) GetSearchRequest(ctx context.Context, id string) (*SearchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *req
	snapshot.ImagesFound = append([]string(nil), req.ImagesFound...)
	return &snapshot, nil
}

func (m *Memory) UpdateSearchRequest(ctx context.Context, id string, update SearchUpdate) (*SearchRequest, error) {
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	if req.Status.Terminal() {
		snapshot := *req
		snapshot.ImagesFound = append([]string(nil), req.ImagesFound...)
		m.mu.Unlock()
		return &snapshot, nil
	}

	if update.Status != nil {
		req.Status = *update.Status
	}
	if update.ImagesFound != nil {
		req.ImagesFound = append([]string(nil), (*update.ImagesFound)...)
	}
	if update.TotalImages != nil {
		req.TotalImages = update.TotalImages
	}
	if update.ProcessedImages != nil {
		req.ProcessedImages = update.ProcessedImages
	}
	if update.Error != nil {
		req.Error = *update.Error
	}

	snapshot := *req
	snapshot.ImagesFound = append([]string(nil), req.ImagesFound...)
	subs := append([]chan SearchRequest(nil), m.requestSubs[id]...)
	m.mu.Unlock()

	for _, ch := range subs {
		offer(ch, snapshot)
	}
	return &snapshot, nil
}

func (m *Memory) GetCollection(ctx context.Context, id string) (*Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[id]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *col
	return &snapshot, nil
}

func (m *Memory) UpdateCollection(ctx context.Context, id string, update CollectionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[id]
	if !ok {
		return ErrNotFound
	}
	if update.Status != nil {
		col.Status = *update.Status
	}
	if update.ImagesCount != nil {
		col.ImagesCount = *update.ImagesCount
	}
	if update.PreviewImages != nil {
		col.PreviewImages = append([]string(nil), (*update.PreviewImages)...)
	}
	return nil
}

// PutCollection seeds a collection record. The admin workflow owns collection
// creation in production; tests and the CLI use this directly.
func (m *Memory) PutCollection(col *Collection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *col
	m.collections[col.ID] = &stored
}

func (m *Memory) SubscribeSearchRequest(ctx context.Context, id string) (<-chan SearchRequest, func(), error) {
	m.mu.Lock()
	if _, ok := m.requests[id]; !ok {
		m.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	ch := make(chan SearchRequest, subscriberBuffer)
	m.requestSubs[id] = append(m.requestSubs[id], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.requestSubs[id]
		for i, sub := range subs {
			if sub == ch {
				m.requestSubs[id] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

func (m *Memory) SubscribeIngestJob(ctx context.Context, id string) (<-chan IngestJob, func(), error) {
	m.mu.Lock()
	if _, ok := m.jobs[id]; !ok {
		m.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	ch := make(chan IngestJob, subscriberBuffer)
	m.jobSubs[id] = append(m.jobSubs[id], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.jobSubs[id]
		for i, sub := range subs {
			if sub == ch {
				m.jobSubs[id] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}
