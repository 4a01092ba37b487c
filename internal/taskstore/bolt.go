package taskstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"taskworker/internal/models"
)

var (
	tasksBucket   = []byte("tasks")
	configsBucket = []byte("configs")
)

// Bolt implements Store on an embedded bbolt file. Rows are JSON encoded and keyed by their
// big-endian id so that cursor order is insertion order. Writes are serialized by bbolt,
// which makes every claim exclusive within the process that holds the file lock.
type Bolt struct {
	db *bolt.DB

	// Clock returns the current time. Tests replace it to age rows.
	Clock func() time.Time
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open bolt store at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{tasksBucket, configsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not create buckets: %w", err)
	}

	return &Bolt{db: db, Clock: time.Now}, nil
}

func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(tasksBucket) == nil {
			return fmt.Errorf("bucket %s is missing", tasksBucket)
		}
		return nil
	})
}

func (b *Bolt) ClaimNextWaiting(ctx context.Context, taskType int, workerID string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var claimed *models.Task
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			task, err := decodeTask(v)
			if err != nil {
				return err
			}
			if task.Type != taskType || task.Phase != models.PhaseWaiting || task.WorkerID.Valid {
				continue
			}

			task.WorkerID.SetValid(workerID)
			task.UpdatedAt = b.Clock()
			if err := putTask(bucket, task); err != nil {
				return err
			}
			claimed = task
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not claim task of type %d: %w", taskType, err)
	}
	return claimed, nil
}

func (b *Bolt) ClaimByID(ctx context.Context, id int64, workerID string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var claimed *models.Task
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)
		task, err := getTask(bucket, id)
		if err != nil || task == nil {
			return err
		}
		if task.Phase != models.PhaseWaiting || (task.WorkerID.Valid && task.WorkerID.String != workerID) {
			return nil
		}

		task.WorkerID.SetValid(workerID)
		task.UpdatedAt = b.Clock()
		if err := putTask(bucket, task); err != nil {
			return err
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not claim task %d: %w", id, err)
	}
	return claimed, nil
}

func (b *Bolt) GetByID(ctx context.Context, id int64) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var task *models.Task
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = getTask(tx.Bucket(tasksBucket), id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("could not get task %d: %w", id, err)
	}
	return task, nil
}

func (b *Bolt) Update(ctx context.Context, id int64, upd models.TaskUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var applied bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)
		task, err := getTask(bucket, id)
		if err != nil || task == nil || !upd.Matches(task) {
			return err
		}

		upd.Apply(task, b.Clock())
		if err := putTask(bucket, task); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("could not update task %d: %w", id, err)
	}
	return applied, nil
}

func (b *Bolt) GetTaskConfig(ctx context.Context, taskType int) (*models.TaskConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var conf *models.TaskConfig
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(configsBucket).Get(itob(int64(taskType)))
		if v == nil {
			return nil
		}
		conf = &models.TaskConfig{}
		return json.Unmarshal(v, conf)
	})
	if err != nil {
		return nil, fmt.Errorf("could not get config of task type %d: %w", taskType, err)
	}
	return conf, nil
}

// PutTaskConfig stores the configuration of conf.Type, replacing any previous one
func (b *Bolt) PutTaskConfig(ctx context.Context, conf models.TaskConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := b.Clock()
	if conf.CreatedAt.IsZero() {
		conf.CreatedAt = now
	}
	conf.UpdatedAt = now

	data, err := json.Marshal(conf)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(configsBucket).Put(itob(int64(conf.Type)), data)
	})
}

func (b *Bolt) Enqueue(ctx context.Context, newTask models.NewTask) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var id int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		now := b.Clock()
		id = int64(seq)
		return putTask(bucket, &models.Task{
			ID:            id,
			Type:          newTask.Type,
			Creator:       newTask.Creator,
			Params:        newTask.Params,
			Phase:         models.PhaseWaiting,
			DependencyRef: newTask.DependencyRef,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("could not enqueue task of type %d: %w", newTask.Type, err)
	}
	return id, nil
}

func (b *Bolt) ReapStale(ctx context.Context, staleAfter time.Duration, message string) (ReapResult, error) {
	var result ReapResult
	if err := ctx.Err(); err != nil {
		return result, err
	}

	now := b.Clock()
	cutoff := now.Add(-staleAfter)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)

		// collect first, bbolt cursors must not be used across Put
		var stale []*models.Task
		err := bucket.ForEach(func(_, v []byte) error {
			task, err := decodeTask(v)
			if err != nil {
				return err
			}
			if task.UpdatedAt.Before(cutoff) {
				stale = append(stale, task)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, task := range stale {
			switch {
			case task.Phase == models.PhaseRunning:
				task.Phase = models.PhaseFailed
				task.Message.SetValid(message)
				task.FinishedAt.SetValid(now)
				result.Failed++
			case task.Phase == models.PhaseWaiting && task.WorkerID.Valid:
				task.WorkerID.Valid = false
				task.WorkerID.String = ""
				result.Released++
			default:
				continue
			}
			task.UpdatedAt = now
			if err := putTask(bucket, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ReapResult{}, fmt.Errorf("could not reap stale tasks: %w", err)
	}
	return result, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func getTask(bucket *bolt.Bucket, id int64) (*models.Task, error) {
	v := bucket.Get(itob(id))
	if v == nil {
		return nil, nil
	}
	return decodeTask(v)
}

func putTask(bucket *bolt.Bucket, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return bucket.Put(itob(task.ID), data)
}

func decodeTask(v []byte) (*models.Task, error) {
	var task models.Task
	if err := json.Unmarshal(v, &task); err != nil {
		return nil, fmt.Errorf("could not decode task: %w", err)
	}
	return &task, nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
