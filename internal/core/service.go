package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trackcore/internal/lineage"
	"trackcore/internal/structure"
	"trackcore/pkg/domain"
)

// Service is the edit orchestrator. Every public operation runs as one batch
// on the session of a single position: the arena is cloned, edited, checked
// by the rules engine, swapped in and then persisted once.
type Service struct {
	store  domain.ObjectStore
	policy domain.PolicySet
	serviceOptions

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the in-memory arena of one position. pending holds edits that
// are committed in memory but not yet written to the store.
type session struct {
	mu      sync.Mutex
	graph   *lineage.Graph
	pending *lineage.Modified
}

// NewService constructs a service over store with the given class policies.
func NewService(store domain.ObjectStore, policy domain.PolicySet, opts ...Option) *Service {
	options := defaultServiceOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		store:          store,
		policy:         policy,
		serviceOptions: options,
		sessions:       make(map[string]*session),
	}
}

// Store returns the persistence collaborator.
func (s *Service) Store() domain.ObjectStore { return s.store }

// Policy returns the class policies.
func (s *Service) Policy() domain.PolicySet { return s.policy }

// Plugins returns the capability registry.
func (s *Service) Plugins() *Plugins { return s.plugins }

// RulesEngine returns the engine evaluated at the end of every batch.
func (s *Service) RulesEngine() *domain.RulesEngine { return s.engine }

// InstallPlugin registers a plugin's capabilities and wires its rules into
// the engine.
func (s *Service) InstallPlugin(plugin Plugin) (PluginMetadata, error) {
	meta, rules, err := s.plugins.Install(plugin)
	if err != nil {
		return PluginMetadata{}, err
	}
	for _, rule := range rules {
		s.engine.Register(rule)
	}
	s.logger.Info("plugin installed", "plugin", meta.Name, "version", meta.Version, "classes", meta.Classes)
	return meta, nil
}

func (s *Service) session(position string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[position]
	if !ok {
		sess = &session{pending: lineage.NewModified()}
		s.sessions[position] = sess
	}
	return sess
}

// load reads the arena on first use. Callers hold sess.mu.
func (s *Service) load(ctx context.Context, position string, sess *session) error {
	if sess.graph != nil {
		return nil
	}
	objects, err := s.store.ListObjects(ctx, position)
	if err != nil {
		return fmt.Errorf("load position %s: %w", position, err)
	}
	sess.graph = lineage.NewGraph(position, objects)
	s.logger.Debug("position loaded", "position", position, "objects", sess.graph.Len())
	return nil
}

// batch is the mutable state handed to an operation body.
type batch struct {
	op     string
	svc    *Service
	g      *lineage.Graph
	links  *lineage.Editor
	shapes *structure.Editor
}

func (s *Service) newBatch(op string, g *lineage.Graph) *batch {
	links := lineage.NewEditor(g, lineage.NewModified())
	return &batch{
		op:     op,
		svc:    s,
		g:      g,
		links:  links,
		shapes: structure.NewEditor(links, structure.WithIDGenerator(s.newID)),
	}
}

func (b *batch) modified() *lineage.Modified { return b.links.Modified() }

// resolve maps references to arena objects, dropping duplicates.
func (b *batch) resolve(refs []domain.ObjectRef) ([]*domain.TrackedObject, error) {
	out := make([]*domain.TrackedObject, 0, len(refs))
	seen := make(map[domain.ObjectID]struct{}, len(refs))
	for _, r := range refs {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		o := b.g.Get(r.ID)
		if o == nil {
			return nil, domain.NotFoundError{Position: b.g.Position(), ID: r.ID}
		}
		out = append(out, o)
	}
	lineage.SortObjects(out)
	return out, nil
}

// resolveClass resolves refs and requires a single class.
func (b *batch) resolveClass(refs []domain.ObjectRef) ([]*domain.TrackedObject, error) {
	objs, err := b.resolve(refs)
	if err != nil || len(objs) == 0 {
		return objs, err
	}
	for _, o := range objs[1:] {
		if o.ClassIndex != objs[0].ClassIndex {
			return nil, domain.Preconditionf(b.op, "objects span classes %d and %d", objs[0].ClassIndex, o.ClassIndex)
		}
	}
	return objs, nil
}

// positionOf returns the single position shared by refs.
func positionOf(op string, refs []domain.ObjectRef) (string, error) {
	if len(refs) == 0 {
		return "", nil
	}
	position := refs[0].Position
	if position == "" {
		return "", domain.Preconditionf(op, "object %s has no position", refs[0].ID)
	}
	for _, r := range refs[1:] {
		if r.Position != position {
			return "", domain.Preconditionf(op, "objects span positions %s and %s", position, r.Position)
		}
	}
	return position, nil
}

// run executes fn as one batch and records observability data.
func (s *Service) run(ctx context.Context, op, position string, enforce bool, fn func(*batch) error) (domain.Result, error) {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	res, err := s.execute(ctx, op, position, enforce, fn)
	duration := s.clock.Now().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	s.recordAudit(ctx, op, position, res, err, duration)
	if err != nil {
		s.logger.Error("edit batch failed", "operation", op, "position", position, "error", err)
	} else {
		s.logger.Debug("edit batch committed", "operation", op, "position", position,
			"modified", len(res.Modified), "removed", len(res.Removed), "created", len(res.Created))
	}
	for _, v := range res.Violations {
		if v.Severity == domain.SeverityWarn {
			s.logger.Warn("rule violation", "rule", v.Rule, "object", v.ObjectID, "message", v.Message)
		}
	}
	return res, err
}

func (s *Service) execute(ctx context.Context, op, position string, enforce bool, fn func(*batch) error) (domain.Result, error) {
	if position == "" {
		return domain.Result{}, domain.Preconditionf(op, "position is required")
	}
	sess := s.session(position)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.load(ctx, position, sess); err != nil {
		return domain.Result{}, err
	}

	g := sess.graph.Clone()
	b := s.newBatch(op, g)
	if err := fn(b); err != nil {
		return domain.Result{}, err
	}
	mod := b.modified()
	res := domain.Result{Modified: mod.IDs(), Removed: mod.Removed(), Created: mod.Created()}
	if mod.Empty() {
		return res, nil
	}
	evaluation, err := s.engine.Evaluate(ctx, g, mod.Changes())
	if err != nil {
		return domain.Result{}, fmt.Errorf("evaluate rules: %w", err)
	}
	res.Violations = evaluation.Violations
	if enforce && evaluation.HasBlocking() {
		return res, domain.RuleViolationError{Result: res}
	}
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}

	sess.graph = g
	sess.pending.Merge(mod)
	if err := s.persist(ctx, position, sess); err != nil {
		return res, err
	}
	return res, nil
}

// persist writes the pending set of a session. On failure the set is kept so
// Flush can retry. Callers hold sess.mu.
func (s *Service) persist(ctx context.Context, position string, sess *session) error {
	if sess.pending.Empty() {
		return nil
	}
	if removed := sess.pending.Removed(); len(removed) > 0 {
		if err := s.store.Delete(ctx, position, removed); err != nil {
			return fmt.Errorf("delete %d objects of position %s: %w", len(removed), position, err)
		}
	}
	ids := sess.pending.IDs()
	objects := make([]domain.TrackedObject, 0, len(ids))
	for _, id := range ids {
		if o, ok := sess.graph.Object(id); ok {
			objects = append(objects, o)
		}
	}
	if len(objects) > 0 {
		if err := s.store.Store(ctx, objects); err != nil {
			return fmt.Errorf("store %d objects of position %s: %w", len(objects), position, err)
		}
	}
	sess.pending = lineage.NewModified()
	return nil
}

// Flush retries the write of edits that a failed persistence step left
// pending. It is a no-op for positions without pending edits.
func (s *Service) Flush(ctx context.Context, position string) error {
	s.mu.Lock()
	sess, ok := s.sessions[position]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.pending.Empty() {
		return nil
	}
	count := sess.pending.Len() + len(sess.pending.Removed())
	if err := s.persist(ctx, position, sess); err != nil {
		s.logger.Error("flush failed", "position", position, "pending", count, "error", err)
		return err
	}
	s.logger.Info("pending edits flushed", "position", position, "objects", count)
	return nil
}

// Pending reports the number of objects waiting to be written for position.
func (s *Service) Pending(position string) int {
	s.mu.Lock()
	sess, ok := s.sessions[position]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.pending.Len() + len(sess.pending.Removed())
}

// Objects returns a snapshot of every object of position.
func (s *Service) Objects(ctx context.Context, position string) ([]domain.TrackedObject, error) {
	if position == "" {
		return nil, domain.Preconditionf("objects", "position is required")
	}
	sess := s.session(position)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.load(ctx, position, sess); err != nil {
		return nil, err
	}
	return sess.graph.Objects(), nil
}

// Track returns the track containing ref, starting at its head.
func (s *Service) Track(ctx context.Context, ref domain.ObjectRef) ([]domain.TrackedObject, error) {
	if ref.Position == "" {
		return nil, domain.Preconditionf("track", "position is required")
	}
	sess := s.session(ref.Position)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.load(ctx, ref.Position, sess); err != nil {
		return nil, err
	}
	o := sess.graph.Get(ref.ID)
	if o == nil {
		return nil, domain.NotFoundError{Position: ref.Position, ID: ref.ID}
	}
	head := sess.graph.Head(o)
	if head == nil {
		head = o
	}
	track := sess.graph.Track(head)
	out := make([]domain.TrackedObject, len(track))
	for i, t := range track {
		out[i] = *t
	}
	return out, nil
}

// Evict drops the in-memory session of position so the next call reloads it
// from the store. Pending edits are lost unless flushed first.
func (s *Service) Evict(position string) {
	s.mu.Lock()
	delete(s.sessions, position)
	s.mu.Unlock()
}

func (s *Service) recordAudit(ctx context.Context, op, position string, res domain.Result, err error, duration time.Duration) {
	entry := AuditEntry{
		Operation: op,
		Position:  position,
		Status:    AuditStatusSuccess,
		Modified:  len(res.Modified),
		Removed:   len(res.Removed),
		Created:   len(res.Created),
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		var rv domain.RuleViolationError
		if errors.As(err, &rv) {
			entry.Error = fmt.Sprintf("%s (%d violations)", err.Error(), len(rv.Result.Violations))
		}
	}
	s.audit.Record(ctx, entry)
}
