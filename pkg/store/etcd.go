package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"expqueue/pkg/model"
)

// 定义 Key 的前缀 (Schema Design)
const (
	DefaultEtcdPrefix = "/expq/"

	experimentKeyPrefix = "experiments/"
	iterationKeyPrefix  = "iterations/"
	queueKey            = "queue"
	ownerKey            = "owner"

	sessionTTL = 10 // seconds
)

// EtcdStore keeps records under a key prefix. Every Commit is one etcd transaction, so the
// queue and the experiment record it references always change together. Ownership is held
// through an etcd mutex; a Commit issued after the session is lost fails with ErrLocked.
type EtcdStore struct {
	client  *clientv3.Client
	prefix  string
	session *concurrency.Session
	owner   *concurrency.Mutex
}

// NewEtcdStore 初始化 Etcd 连接并获取所有权
func NewEtcdStore(
	ctx context.Context, endpoints []string, prefix string, dialTimeout time.Duration,
) (*EtcdStore, error) {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, ioErr("connect", err)
	}

	session, err := concurrency.NewSession(cli, concurrency.WithTTL(sessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		_ = cli.Close()
		return nil, ioErr("session", err)
	}
	owner := concurrency.NewMutex(session, prefix+ownerKey)
	if err := owner.TryLock(ctx); err != nil {
		_ = session.Close()
		_ = cli.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, errors.Wrapf(ErrLocked, "etcd prefix %s", prefix)
		}
		return nil, ioErr("lock", err)
	}

	log.WithField("component", "store").Infof("etcd store owns prefix %s", prefix)
	return &EtcdStore{client: cli, prefix: prefix, session: session, owner: owner}, nil
}

func (e *EtcdStore) experimentKey(k model.Key) string {
	return e.prefix + experimentKeyPrefix + k.Batch + "/" + k.Experiment
}

func (e *EtcdStore) iterationsKey(k model.Key) string {
	return e.prefix + iterationKeyPrefix + k.Batch + "/" + k.Experiment + "/"
}

func (e *EtcdStore) iterationKey(k model.Key, iteration, run int) string {
	return e.iterationsKey(k) + fmt.Sprintf("%06d-%03d", iteration, run)
}

func (e *EtcdStore) Commit(ctx context.Context, m Mutation) error {
	cmps := []clientv3.Cmp{e.owner.IsOwner()}
	ops := make([]clientv3.Op, 0, 3)

	if it := m.Iteration; it != nil {
		key := e.iterationKey(it.Key, it.Iteration, it.ModelRun)
		val, err := encode(it)
		if err != nil {
			return err
		}
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
		ops = append(ops, clientv3.OpPut(key, val))
	}
	if exp := m.Experiment; exp != nil {
		val, err := encode(exp)
		if err != nil {
			return err
		}
		ops = append(ops, clientv3.OpPut(e.experimentKey(exp.Key), val))
	}
	if q := m.Queue; q != nil {
		val, err := encode(q)
		if err != nil {
			return err
		}
		ops = append(ops, clientv3.OpPut(e.prefix+queueKey, val))
	}

	resp, err := e.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return ioErr("commit", err)
	}
	if resp.Succeeded {
		return nil
	}

	// 判断是哪个条件失败
	if it := m.Iteration; it != nil {
		got, err := e.client.Get(ctx, e.iterationKey(it.Key, it.Iteration, it.ModelRun))
		if err != nil {
			return ioErr("commit", err)
		}
		if len(got.Kvs) > 0 {
			return errors.Wrapf(ErrExists, "iteration %d run %d of %s", it.Iteration, it.ModelRun, it.Key)
		}
	}
	return errors.Wrap(ErrLocked, "etcd ownership lost")
}

func (e *EtcdStore) GetExperiment(ctx context.Context, key model.Key) (*model.Experiment, error) {
	var exp model.Experiment
	if err := e.getValue(ctx, e.experimentKey(key), &exp); err != nil {
		return nil, err
	}
	return &exp, nil
}

func (e *EtcdStore) ListExperiments(ctx context.Context) ([]*model.Experiment, error) {
	resp, err := e.client.Get(ctx, e.prefix+experimentKeyPrefix,
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, ioErr("list experiments", err)
	}

	exps := make([]*model.Experiment, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var exp model.Experiment
		if err := json.Unmarshal(kv.Value, &exp); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "%s: %v", kv.Key, err)
		}
		exps = append(exps, &exp)
	}
	return exps, nil
}

func (e *EtcdStore) ListIterations(ctx context.Context, key model.Key) ([]model.IterationRecord, error) {
	resp, err := e.client.Get(ctx, e.iterationsKey(key),
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, ioErr("list iterations", err)
	}

	recs := make([]model.IterationRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec model.IterationRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "%s: %v", kv.Key, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (e *EtcdStore) GetIteration(
	ctx context.Context, key model.Key, iteration, run int,
) (*model.IterationRecord, error) {
	var rec model.IterationRecord
	if err := e.getValue(ctx, e.iterationKey(key, iteration, run), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (e *EtcdStore) LoadQueue(ctx context.Context) (*model.QueueState, error) {
	var q model.QueueState
	err := e.getValue(ctx, e.prefix+queueKey, &q)
	switch {
	case errors.Is(err, ErrNotFound):
		return &model.QueueState{}, nil
	case err != nil:
		return nil, err
	}
	return &q, nil
}

func (e *EtcdStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.owner.Unlock(ctx); err != nil {
		log.WithError(err).Warn("releasing etcd ownership")
	}
	if err := e.session.Close(); err != nil {
		log.WithError(err).Warn("closing etcd session")
	}
	return ioErr("close", e.client.Close())
}

// getValue 封装通用的 Get + JSON 反序列化
func (e *EtcdStore) getValue(ctx context.Context, key string, val interface{}) error {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return ioErr("get", err)
	}
	if len(resp.Kvs) == 0 {
		return errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, val); err != nil {
		return errors.Wrapf(ErrCorrupt, "%s: %v", key, err)
	}
	return nil
}

func encode(val interface{}) (string, error) {
	bytes, err := json.Marshal(val)
	if err != nil {
		return "", errors.Wrap(err, "encoding record")
	}
	return string(bytes), nil
}
