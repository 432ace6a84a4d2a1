package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryStore は Store のインメモリ実装です。
// Redisを用意できない開発環境とテストで RedisStore の代わりに使います。
// TTLによる自動消滅は行わず、期限切れレコードは回収スイープが削除します。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Create は新規ジョブレコードを保存します。
func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrConflict
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

// Get はジョブレコードのコピーを返します。
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *job
	return &clone, nil
}

// CompareAndSetState はロック下で expected を確認し mutate を適用します。
func (s *MemoryStore) CompareAndSetState(ctx context.Context, jobID string, expected State, mutate func(*Job) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	if job.State != expected {
		return false, nil
	}
	clone := *job
	if !mutate(&clone) {
		return false, nil
	}
	clone.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = &clone
	return true, nil
}

// Delete はジョブレコードを削除します。
func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// ListByState は指定状態のジョブのコピーを返します。
func (s *MemoryStore) ListByState(ctx context.Context, state State) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*Job
	for _, job := range s.jobs {
		if job.State == state {
			clone := *job
			jobs = append(jobs, &clone)
		}
	}
	return jobs, nil
}
