package taskgraph

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// TransitionFunc observes status changes. It is called after the graph
// lock is released, in the order the changes happened.
type TransitionFunc func(task Task, tr Transition)

type change struct {
	task Task
	tr   Transition
}

// Graph is a DAG of tasks. It owns task state; callers only get copies.
type Graph struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	order     []string
	reviewing map[string]bool
	observers []TransitionFunc
	now       func() time.Time
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		tasks:     make(map[string]*Task),
		reviewing: make(map[string]bool),
		now:       time.Now,
	}
}

// OnTransition registers an observer for every status change.
func (g *Graph) OnTransition(fn TransitionFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, fn)
}

func (g *Graph) notify(changes []change) {
	if len(changes) == 0 {
		return
	}
	g.mu.RLock()
	observers := append([]TransitionFunc(nil), g.observers...)
	g.mu.RUnlock()
	for _, c := range changes {
		for _, fn := range observers {
			fn(c.task, c.tr)
		}
	}
}

func (g *Graph) record(t *Task) change {
	return change{task: t.clone(), tr: t.Transitions[len(t.Transitions)-1]}
}

// AddTasks inserts a batch of tasks as pending. The batch is rejected as a
// whole if any task is invalid, duplicates an id, depends on an unknown id,
// or would close a cycle with the tasks already in the graph.
func (g *Graph) AddTasks(tasks []Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := validateBatch(g.tasks, g.order, tasks); err != nil {
		return err
	}

	now := g.now()
	for i := range tasks {
		t := tasks[i].clone()
		t.Status = StatusPending
		t.AttemptCount = 0
		t.Transitions = nil
		t.CreatedAt = now
		t.UpdatedAt = now
		g.tasks[t.ID] = &t
		g.order = append(g.order, t.ID)
	}
	return nil
}

// Restore loads previously persisted tasks, keeping their status and
// history. Work that was in flight goes back to pending.
func (g *Graph) Restore(tasks []Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := validateBatch(g.tasks, g.order, tasks); err != nil {
		return err
	}
	for i := range tasks {
		t := tasks[i].clone()
		now := g.now()
		switch t.Status {
		case StatusInProgress:
			_ = t.moveTo(StatusPending, "restored", now)
		case StatusFailed:
			_ = t.moveTo(StatusReady, "restored", now)
		case "":
			t.Status = StatusPending
		}
		g.tasks[t.ID] = &t
		g.order = append(g.order, t.ID)
	}
	return nil
}

// ValidatePlan checks a standalone batch: required fields, unique ids,
// known dependencies and acyclicity.
func ValidatePlan(tasks []Task) error {
	return validateBatch(nil, nil, tasks)
}

func validateBatch(existing map[string]*Task, order []string, batch []Task) error {
	deps := make(map[string][]string, len(existing)+len(batch))
	ids := append([]string(nil), order...)
	for id, t := range existing {
		deps[id] = t.DependsOn
	}

	for _, t := range batch {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("%w: missing id", ErrInvalidTask)
		}
		if strings.TrimSpace(t.Title) == "" {
			return fmt.Errorf("%w: task %s has no title", ErrInvalidTask, t.ID)
		}
		if _, dup := deps[t.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		deps[t.ID] = t.DependsOn
		ids = append(ids, t.ID)
	}

	for _, t := range batch {
		for _, dep := range t.DependsOn {
			if _, ok := deps[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}

	if path := findCycle(ids, deps); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// findCycle runs a depth-first search over every id and returns the first
// cycle found, or nil.
func findCycle(ids []string, deps map[string][]string) []string {
	visited := make(map[string]bool, len(ids))
	onStack := make(map[string]bool)
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, dep := range deps[id] {
			if onStack[dep] {
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append([]string(nil), stack[start:]...)
				return append(path, dep)
			}
			if !visited[dep] {
				if path := visit(dep); path != nil {
					return path
				}
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range ids {
		if !visited[id] {
			if path := visit(id); path != nil {
				return path
			}
		}
	}
	return nil
}

// ReadyTasks promotes every pending task whose dependencies are all done
// to ready and returns them in insertion order.
func (g *Graph) ReadyTasks() []Task {
	g.mu.Lock()
	var (
		out     []Task
		changes []change
		now     = g.now()
	)
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusPending || !g.depsDone(t) {
			continue
		}
		if err := t.moveTo(StatusReady, "dependencies done", now); err != nil {
			continue
		}
		out = append(out, t.clone())
		changes = append(changes, g.record(t))
	}
	g.mu.Unlock()

	g.notify(changes)
	return out
}

func (g *Graph) depsDone(t *Task) bool {
	for _, dep := range t.DependsOn {
		if d, ok := g.tasks[dep]; !ok || d.Status != StatusDone {
			return false
		}
	}
	return true
}

// Ready returns tasks currently in the ready state, in insertion order.
func (g *Graph) Ready() []Task {
	return g.filter(func(t *Task) bool { return t.Status == StatusReady })
}

// Tasks returns a copy of every task in insertion order.
func (g *Graph) Tasks() []Task {
	return g.filter(func(*Task) bool { return true })
}

func (g *Graph) filter(keep func(*Task) bool) []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Task
	for _, id := range g.order {
		if t := g.tasks[id]; keep(t) {
			out = append(out, t.clone())
		}
	}
	return out
}

// Get returns a copy of one task.
func (g *Graph) Get(id string) (Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Counts returns the number of tasks per status.
func (g *Graph) Counts() map[Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	counts := make(map[Status]int, len(AllStatuses()))
	for _, t := range g.tasks {
		counts[t.Status]++
	}
	return counts
}

// Blocked returns pending tasks that can never become ready because an
// upstream task escalated.
func (g *Graph) Blocked() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	memo := make(map[string]bool, len(g.tasks))
	var blocked func(id string) bool
	blocked = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		memo[id] = false
		for _, dep := range g.tasks[id].DependsOn {
			d := g.tasks[dep]
			if d.Status == StatusEscalated || blocked(dep) {
				memo[id] = true
				break
			}
		}
		return memo[id]
	}

	var out []string
	for _, id := range g.order {
		if g.tasks[id].Status == StatusPending && blocked(id) {
			out = append(out, id)
		}
	}
	return out
}

// start moves a ready task to in_progress if fewer than limit tasks are
// already running.
func (g *Graph) start(id string, limit int) (Task, error) {
	g.mu.Lock()
	t, ok := g.tasks[id]
	if !ok {
		g.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	running := 0
	for _, other := range g.tasks {
		if other.Status == StatusInProgress {
			running++
		}
	}
	if limit > 0 && running >= limit {
		g.mu.Unlock()
		return Task{}, ErrNoWorker
	}
	if err := t.moveTo(StatusInProgress, fmt.Sprintf("attempt %d", t.AttemptCount+1), g.now()); err != nil {
		g.mu.Unlock()
		return Task{}, err
	}
	snap, c := t.clone(), g.record(t)
	g.mu.Unlock()

	g.notify([]change{c})
	return snap, nil
}

// claimReview marks an in_progress task as under review. done reports a
// task that already completed, which callers treat as a no-op.
func (g *Graph) claimReview(id string) (task Task, done bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch {
	case t.Status == StatusDone:
		return t.clone(), true, nil
	case t.Status != StatusInProgress:
		return Task{}, false, fmt.Errorf("%w: task %s is %s, not in_progress", ErrInvalidTransition, id, t.Status)
	case g.reviewing[id]:
		return Task{}, false, fmt.Errorf("%w: %s", ErrReviewInProgress, id)
	}
	g.reviewing[id] = true
	return t.clone(), false, nil
}

func (g *Graph) releaseReview(id string) {
	g.mu.Lock()
	delete(g.reviewing, id)
	g.mu.Unlock()
}

// finish marks an in_progress task done. It reports false when the task
// left in_progress in the meantime, for example after a cancel.
func (g *Graph) finish(id, artifact string, conditions []string) (Task, bool) {
	g.mu.Lock()
	t := g.tasks[id]
	if t == nil || t.Status != StatusInProgress {
		g.mu.Unlock()
		return Task{}, false
	}
	t.Artifact = artifact
	t.LastError = ""
	t.Feedback = append(t.Feedback, conditions...)
	if err := t.moveTo(StatusDone, "approved", g.now()); err != nil {
		g.mu.Unlock()
		return Task{}, false
	}
	snap, c := t.clone(), g.record(t)
	g.mu.Unlock()

	g.notify([]change{c})
	return snap, true
}

// fail records a failed attempt and moves the task back to ready, or to
// escalated once maxAttempts is reached.
func (g *Graph) fail(id, reason string, feedback []string, artifact string, maxAttempts int) (Task, bool) {
	g.mu.Lock()
	t := g.tasks[id]
	if t == nil || t.Status != StatusInProgress {
		g.mu.Unlock()
		return Task{}, false
	}
	now := g.now()
	t.AttemptCount++
	t.LastError = reason
	t.Feedback = append(t.Feedback, feedback...)
	if artifact != "" {
		t.Artifact = artifact
	}

	var changes []change
	if err := t.moveTo(StatusFailed, reason, now); err == nil {
		changes = append(changes, g.record(t))
	}
	next, why := StatusReady, fmt.Sprintf("retry %d of %d", t.AttemptCount, maxAttempts)
	if t.AttemptCount >= maxAttempts {
		next, why = StatusEscalated, fmt.Sprintf("attempt budget of %d exhausted", maxAttempts)
	}
	if err := t.moveTo(next, why, now); err == nil {
		changes = append(changes, g.record(t))
	}
	snap := t.clone()
	g.mu.Unlock()

	g.notify(changes)
	return snap, true
}

// Reopen returns escalated tasks to pending with a fresh attempt budget,
// keeping their feedback for the next attempt. It fails without changing
// anything if any id is unknown or not escalated.
func (g *Graph) Reopen(ids []string, reason string) ([]Task, error) {
	g.mu.Lock()
	for _, id := range ids {
		t, ok := g.tasks[id]
		if !ok {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if t.Status != StatusEscalated {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: task %s is %s, not escalated", ErrInvalidTransition, id, t.Status)
		}
	}
	var (
		out     []Task
		changes []change
		now     = g.now()
	)
	for _, id := range ids {
		t := g.tasks[id]
		if t.Status != StatusEscalated {
			continue
		}
		if err := t.moveTo(StatusPending, reason, now); err != nil {
			continue
		}
		t.AttemptCount = 0
		out = append(out, t.clone())
		changes = append(changes, g.record(t))
	}
	g.mu.Unlock()

	g.notify(changes)
	return out, nil
}

// resetInProgress returns every in_progress task to pending.
func (g *Graph) resetInProgress(reason string) []string {
	g.mu.Lock()
	var (
		ids     []string
		changes []change
		now     = g.now()
	)
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusInProgress {
			continue
		}
		if err := t.moveTo(StatusPending, reason, now); err == nil {
			ids = append(ids, id)
			changes = append(changes, g.record(t))
		}
		delete(g.reviewing, id)
	}
	g.mu.Unlock()

	g.notify(changes)
	return ids
}
