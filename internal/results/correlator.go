package results

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-relay/internal/models"
)

const DefaultRetention = time.Hour

// Fingerprint derives the stable key a command's result is stored under.
func Fingerprint(command string) string {
	sum := sha256.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])
}

// Query is the answer to a result lookup. Pending covers both "never
// delivered" and "still running".
type Query struct {
	Status      models.Status `json:"status"`
	Success     bool          `json:"success"`
	Output      string        `json:"output,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

type key struct {
	agentID     string
	fingerprint string
}

type slot struct {
	result  models.Result
	element *list.Element
}

// Correlator stores the latest result per (agent, fingerprint). Expiry is
// amortized over writes: each Record purges from the oldest end of a
// completion-ordered list until it reaches a fresh entry.
type Correlator struct {
	mu        sync.Mutex
	slots     map[key]*slot
	byAgent   map[string]map[string]struct{}
	order     *list.List // keys, oldest completion at front
	retention time.Duration
	now       func() time.Time
}

func NewCorrelator(retention time.Duration) *Correlator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Correlator{
		slots:     make(map[key]*slot),
		byAgent:   make(map[string]map[string]struct{}),
		order:     list.New(),
		retention: retention,
		now:       time.Now,
	}
}

// Record stores the outcome of command on agentID, replacing any earlier
// result for the same command.
func (c *Correlator) Record(agentID, command string, success bool, output string) models.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	k := key{agentID: agentID, fingerprint: Fingerprint(command)}
	res := models.Result{
		AgentID:     agentID,
		Fingerprint: k.fingerprint,
		Command:     command,
		Success:     success,
		Output:      output,
		CompletedAt: now,
	}

	if s, ok := c.slots[k]; ok {
		s.result = res
		c.order.MoveToBack(s.element)
	} else {
		c.slots[k] = &slot{result: res, element: c.order.PushBack(k)}
		if c.byAgent[agentID] == nil {
			c.byAgent[agentID] = make(map[string]struct{})
		}
		c.byAgent[agentID][k.fingerprint] = struct{}{}
	}

	if purged := c.purgeLocked(now); purged > 0 {
		slog.Debug("Purged expired command results", "removed", purged)
	}
	return res
}

// Query looks up the result of command on agentID.
func (c *Correlator) Query(agentID, command string) Query {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[key{agentID: agentID, fingerprint: Fingerprint(command)}]
	if !ok || c.now().Sub(s.result.CompletedAt) > c.retention {
		return Query{Status: models.StatusPending}
	}

	completedAt := s.result.CompletedAt
	return Query{
		Status:      s.result.Status(),
		Success:     s.result.Success,
		Output:      s.result.Output,
		CompletedAt: &completedAt,
	}
}

// ListForAgent returns the retained results of an agent, oldest first.
func (c *Correlator) ListForAgent(agentID string) []models.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.Result
	if _, ok := c.byAgent[agentID]; !ok {
		return out
	}
	now := c.now()
	for e := c.order.Front(); e != nil; e = e.Next() {
		k := e.Value.(key)
		if k.agentID != agentID {
			continue
		}
		if res := c.slots[k].result; now.Sub(res.CompletedAt) <= c.retention {
			out = append(out, res)
		}
	}
	return out
}

// Purge removes expired results immediately.
func (c *Correlator) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.now())
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

func (c *Correlator) purgeLocked(now time.Time) int {
	removed := 0
	for {
		front := c.order.Front()
		if front == nil {
			break
		}
		k := front.Value.(key)
		if now.Sub(c.slots[k].result.CompletedAt) <= c.retention {
			break
		}
		c.order.Remove(front)
		delete(c.slots, k)
		if fps, ok := c.byAgent[k.agentID]; ok {
			delete(fps, k.fingerprint)
			if len(fps) == 0 {
				delete(c.byAgent, k.agentID)
			}
		}
		removed++
	}
	return removed
}
