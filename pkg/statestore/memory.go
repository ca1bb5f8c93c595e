package statestore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memValue struct {
	kind     string
	str      []byte
	list     [][]byte
	zset     map[string]float64
	expireAt time.Time
}

// Memory is an in-process Store with the same ordering and type rules as
// the Redis gateway. Fail lets tests simulate an unreachable server.
type Memory struct {
	mu   sync.Mutex
	data map[string]*memValue
	subs map[string]map[*memSubscription]struct{}
	fail error
	now  func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]*memValue),
		subs: make(map[string]map[*memSubscription]struct{}),
		now:  time.Now,
	}
}

// Fail makes every subsequent call return err; nil restores service.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *Memory) lookup(key string) *memValue {
	v, ok := m.data[key]
	if !ok {
		return nil
	}
	if !v.expireAt.IsZero() && m.now().After(v.expireAt) {
		delete(m.data, key)
		return nil
	}
	return v
}

func (m *Memory) typed(key, kind string, create bool) (*memValue, error) {
	v := m.lookup(key)
	if v == nil {
		if !create {
			return nil, nil
		}
		v = &memValue{kind: kind}
		if kind == TypeZSet {
			v.zset = make(map[string]float64)
		}
		m.data[key] = v
		return v, nil
	}
	if v.kind != kind {
		return nil, ErrWrongType
	}
	return v, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, false, m.fail
	}
	v, err := m.typed(key, TypeString, false)
	if err != nil || v == nil {
		return nil, false, err
	}
	return append([]byte(nil), v.str...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	v := &memValue{kind: TypeString, str: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expireAt = m.now().Add(ttl)
	}
	m.data[key] = v
	return nil
}

func (m *Memory) ListPush(_ context.Context, key string, values ...[]byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	v, err := m.typed(key, TypeList, true)
	if err != nil {
		return 0, err
	}
	for _, val := range values {
		v.list = append([][]byte{append([]byte(nil), val...)}, v.list...)
	}
	return int64(len(v.list)), nil
}

func (m *Memory) ListRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	v, err := m.typed(key, TypeList, false)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return [][]byte{}, nil
	}
	s, e, ok := normalizeRange(start, stop, int64(len(v.list)))
	if !ok {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, e-s+1)
	for _, b := range v.list[s : e+1] {
		out = append(out, append([]byte(nil), b...))
	}
	return out, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	v, err := m.typed(key, TypeZSet, true)
	if err != nil {
		return 0, err
	}
	_, exists := v.zset[member]
	v.zset[member] = score
	if exists {
		return 0, nil
	}
	return 1, nil
}

func sortedMembers(zset map[string]float64) []Z {
	out := make([]Z, 0, len(zset))
	for m, s := range zset {
		out = append(out, Z{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (m *Memory) ZRange(_ context.Context, key string, start, stop int64) ([]Z, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	v, err := m.typed(key, TypeZSet, false)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return []Z{}, nil
	}
	all := sortedMembers(v.zset)
	s, e, ok := normalizeRange(start, stop, int64(len(all)))
	if !ok {
		return []Z{}, nil
	}
	return append([]Z(nil), all[s:e+1]...), nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	v, err := m.typed(key, TypeZSet, false)
	if err != nil || v == nil {
		return 0, err
	}
	var n int64
	for _, member := range members {
		if _, ok := v.zset[member]; ok {
			delete(v.zset, member)
			n++
		}
	}
	if len(v.zset) == 0 {
		delete(m.data, key)
	}
	return n, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	v, err := m.typed(key, TypeZSet, false)
	if err != nil || v == nil {
		return 0, err
	}
	return int64(len(v.zset)), nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	var n int64
	for sub := range m.subs[channel] {
		select {
		case sub.out <- append([]byte(nil), payload...):
			n++
		default:
			// slow subscriber; a real server would buffer or disconnect it
		}
	}
	return n, nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	sub := &memSubscription{m: m, channel: channel, out: make(chan []byte, 256), done: make(chan struct{})}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memSubscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type memSubscription struct {
	m       *Memory
	channel string
	out     chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *memSubscription) Messages() <-chan []byte { return s.out }

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs[s.channel], s)
		s.m.mu.Unlock()
		close(s.done)
		close(s.out)
	})
	return nil
}

func (m *Memory) TypeOf(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	v := m.lookup(key)
	if v == nil {
		return TypeNone, nil
	}
	return v.kind, nil
}

func (m *Memory) Rename(_ context.Context, oldKey, newKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	v := m.lookup(oldKey)
	if v == nil {
		return ErrNoSuchKey
	}
	delete(m.data, oldKey)
	m.data[newKey] = v
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	var n int64
	for _, k := range keys {
		if m.lookup(k) != nil {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}
