package ids

import (
	"strconv"
	"sync"
	"time"
)

// epoch 2020-01-01 UTC; 41 bits ms | 10 bits node | 12 bits seq
var epochMS = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Node generates snowflake ids for one instance.
type Node struct {
	mu       sync.Mutex
	nodeID   int64 // 0~1023
	seq      int64 // 0~4095
	lastTSMS int64
}

func NewNode(nodeID int64) *Node {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	return &Node{nodeID: nodeID}
}

var (
	defaultNode *Node
	once        sync.Once
)

func node() *Node {
	once.Do(func() {
		if defaultNode == nil {
			defaultNode = NewNode(1)
		}
	})
	return defaultNode
}

// SetNodeID replaces the process generator; call once from main before serving.
func SetNodeID(nodeID int64) {
	n := NewNode(nodeID)
	once.Do(func() {})
	defaultNode = n
}

func Generate() int64 {
	return node().Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

func (g *Node) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastTSMS {
		// clock moved backwards: keep issuing on the last timestamp
		now = g.lastTSMS
	}
	if now == g.lastTSMS {
		g.seq = (g.seq + 1) & 0xFFF
		if g.seq == 0 {
			for now <= g.lastTSMS {
				time.Sleep(100 * time.Microsecond)
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastTSMS = now

	ts := (now - epochMS) & ((1 << 41) - 1)
	return (ts << 22) | (g.nodeID << 12) | g.seq
}

func (g *Node) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}
