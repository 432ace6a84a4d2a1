package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const jobKeyPrefix = "job:"

// Store はジョブレコードの正準的な保存先です。
// CompareAndSetState がワーカーの唯一の変更経路で、期待する状態と
// 一致しない場合は書き込まずに false を返します。mutate が false を
// 返した場合も同様に書き込みを行いません。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	CompareAndSetState(ctx context.Context, jobID string, expected State, mutate func(*Job) bool) (bool, error)
	Delete(ctx context.Context, jobID string) error
	// ListByState は回収スイープ用に指定状態のジョブを列挙します。
	ListByState(ctx context.Context, state State) ([]*Job, error)
}

// RedisStore はジョブ状態を Redis に保存します。
// レコードはJSON値として job:<id> に置かれ、終了済みレコードは
// キーTTLで保持期間満了後に自動消滅します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。ttl は終了済みジョブの保持期間です。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Create は新規ジョブレコードを保存します。同一IDが存在する場合は ErrConflict を返します。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Get はジョブレコードを取得します。未知のIDには ErrNotFound を返します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CompareAndSetState は保存中の状態が expected のときだけ mutate を適用して
// 書き込みます。WATCH による楽観的トランザクションで、競合時は再試行します。
// 成功した書き込みは必ず UpdatedAt を更新し、終了状態への遷移では保持期間の
// TTLを設定します。
func (s *RedisStore) CompareAndSetState(ctx context.Context, jobID string, expected State, mutate func(*Job) bool) (bool, error) {
	if jobID == "" {
		return false, ErrNotFound
	}
	key := jobKey(jobID)

	for {
		var applied bool
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return nil
				}
				return err
			}

			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			if job.State != expected {
				return nil
			}
			if !mutate(&job) {
				return nil
			}
			job.UpdatedAt = s.now().UTC()

			payload, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			expiry := time.Duration(0)
			if job.State.Terminal() {
				expiry = s.ttl
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, expiry)
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return applied, nil
	}
}

// Delete はジョブレコードを削除します。
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

// ListByState は job:* キーを走査して指定状態のジョブを集めます。
// 対象は回収スイープだけなので SCAN のコストは許容範囲です。
func (s *RedisStore) ListByState(ctx context.Context, state State) ([]*Job, error) {
	var jobs []*Job
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			// 走査中に期限切れしたキーは読み飛ばす
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		if job.State == state {
			jobs = append(jobs, &job)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
