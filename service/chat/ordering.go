package chat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"PPRealtime/logger"
	chatModel "PPRealtime/module/chat/model"

	"go.uber.org/zap"
)

// 各实例各自发号、各自广播，同一会话的 message:created 到达本实例时可能乱序。
// sequencer 按 seq 放行：连续的立即推送，有空洞先挂起，等 wait 后从存储补齐再一并放行

const (
	defaultReorderWait = 250 * time.Millisecond
	orderIdle          = 10 * time.Minute
	fillTimeout        = 5 * time.Second
)

type (
	orderFill func(ctx context.Context, conversationID string, from, to int64) ([]*chatModel.Message, error)
	orderEmit func(ctx context.Context, conversationID string, data any)
)

type convOrder struct {
	mu sync.Mutex
	// next 下一个应放行的 seq；0 表示还没对齐
	next    int64
	pending map[int64]json.RawMessage
	timer   *time.Timer
	seen    time.Time
	dead    bool
}

type sequencer struct {
	wait  time.Duration
	fill  orderFill
	emit  orderEmit
	clock func() time.Time
	log   *zap.Logger

	mu     sync.Mutex
	convs  map[string]*convOrder
	swept  time.Time
	closed bool
}

func newSequencer(wait time.Duration, fill orderFill, emit orderEmit) *sequencer {
	if wait <= 0 {
		wait = defaultReorderWait
	}
	return &sequencer{
		wait:  wait,
		fill:  fill,
		emit:  emit,
		clock: time.Now,
		log:   logger.Named("ordering"),
		convs: make(map[string]*convOrder),
		swept: time.Now(),
	}
}

type seqHead struct {
	Seq int64 `json:"seq"`
}

// push 收一条 message:created；不带 seq 的原样放行
func (q *sequencer) push(ctx context.Context, conversationID string, payload json.RawMessage) {
	var head seqHead
	if err := json.Unmarshal(payload, &head); err != nil || head.Seq <= 0 {
		q.emit(ctx, conversationID, payload)
		return
	}

	co := q.lockConv(conversationID)
	if co == nil {
		q.emit(ctx, conversationID, payload)
		return
	}
	defer co.mu.Unlock()
	co.seen = q.clock()

	if co.next == 0 && (head.Seq == 1 || q.settled(ctx, conversationID, head.Seq-1)) {
		co.next = head.Seq
	}
	if co.next > 0 && head.Seq < co.next {
		// 重复投递，或空洞已从存储补过
		return
	}
	if _, dup := co.pending[head.Seq]; dup {
		return
	}
	if head.Seq == co.next {
		q.emit(ctx, conversationID, payload)
		co.next++
		q.drain(ctx, conversationID, co)
		return
	}
	co.pending[head.Seq] = payload
	if co.timer == nil {
		co.timer = time.AfterFunc(q.wait, func() { q.flush(conversationID, co) })
	}
}

// lockConv 返回已加锁的会话状态；关闭后返回 nil
func (q *sequencer) lockConv(conversationID string) *convOrder {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		q.sweepLocked()
		co, ok := q.convs[conversationID]
		if !ok {
			co = &convOrder{pending: make(map[int64]json.RawMessage)}
			q.convs[conversationID] = co
		}
		q.mu.Unlock()

		co.mu.Lock()
		if !co.dead {
			return co
		}
		co.mu.Unlock()
	}
}

// settled 前一条已落库且早于 wait：它的广播不会再来，可以直接对齐
func (q *sequencer) settled(ctx context.Context, conversationID string, seq int64) bool {
	msgs, err := q.fill(ctx, conversationID, seq, seq)
	if err != nil {
		q.log.Debug("lookup previous message failed", zap.String("conv", conversationID), zap.Int64("seq", seq), zap.Error(err))
		return true
	}
	for _, m := range msgs {
		if m.Seq == seq {
			return q.clock().Sub(m.Timestamp) >= q.wait
		}
	}
	return false
}

// drain 放行挂起中紧接着的部分
func (q *sequencer) drain(ctx context.Context, conversationID string, co *convOrder) {
	for {
		p, ok := co.pending[co.next]
		if !ok {
			break
		}
		delete(co.pending, co.next)
		q.emit(ctx, conversationID, p)
		co.next++
	}
	if len(co.pending) == 0 && co.timer != nil {
		co.timer.Stop()
		co.timer = nil
	}
}

// flush 等待到期：从存储补空洞，然后按 seq 全部放行
func (q *sequencer) flush(conversationID string, co *convOrder) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.timer = nil
	if len(co.pending) == 0 || co.dead {
		return
	}

	seqs := make([]int64, 0, len(co.pending))
	for s := range co.pending {
		if s >= co.next {
			seqs = append(seqs, s)
		}
	}
	if len(seqs) == 0 {
		co.pending = make(map[int64]json.RawMessage)
		return
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	lo, hi := co.next, seqs[len(seqs)-1]
	if lo == 0 {
		lo = seqs[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), fillTimeout)
	defer cancel()

	stored := map[int64]*chatModel.Message{}
	if hi-lo+1 > int64(len(seqs)) {
		msgs, err := q.fill(ctx, conversationID, lo, hi)
		if err != nil {
			q.log.Warn("fill gap failed", zap.String("conv", conversationID), zap.Int64("from", lo), zap.Int64("to", hi), zap.Error(err))
		}
		for _, m := range msgs {
			stored[m.Seq] = m
		}
	}

	for s := lo; s <= hi; s++ {
		if p, ok := co.pending[s]; ok {
			q.emit(ctx, conversationID, p)
			continue
		}
		if m, ok := stored[s]; ok {
			q.emit(ctx, conversationID, m)
			continue
		}
		// 发号后写入失败的 seq 永远不会出现
		q.log.Debug("seq skipped", zap.String("conv", conversationID), zap.Int64("seq", s))
	}
	co.pending = make(map[int64]json.RawMessage)
	co.next = hi + 1
}

// sweepLocked 丢掉长时间没有消息的会话状态
func (q *sequencer) sweepLocked() {
	now := q.clock()
	if now.Sub(q.swept) < orderIdle {
		return
	}
	q.swept = now
	for id, co := range q.convs {
		co.mu.Lock()
		if len(co.pending) == 0 && now.Sub(co.seen) >= orderIdle {
			co.dead = true
			delete(q.convs, id)
		}
		co.mu.Unlock()
	}
}

func (q *sequencer) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, co := range q.convs {
		co.mu.Lock()
		if co.timer != nil {
			co.timer.Stop()
			co.timer = nil
		}
		co.dead = true
		co.mu.Unlock()
		delete(q.convs, id)
	}
}
