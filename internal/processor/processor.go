// Package processor defines the processor contract and the type registry.
package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/repository"
)

// DefaultCreationLimit caps the follow-ups a single execution may chain
const DefaultCreationLimit = 10

// Processor executes activities of one type. A returned error is treated as
// a retryable failure.
type Processor interface {
	// Type returns the activity type handled by the processor
	Type() string

	// Execute runs the activity and reports its outcome
	Execute(ctx context.Context, a *model.Activity) (model.Outcome, error)
}

// OutputDeclarer is implemented by processors that restrict the activity
// types they may chain
type OutputDeclarer interface {
	OutputTypes() []string
}

// Func adapts a function to the Processor interface
type Func struct {
	Name string
	Fn   func(ctx context.Context, a *model.Activity) (model.Outcome, error)
}

// Type implements Processor
func (f Func) Type() string { return f.Name }

// Execute implements Processor
func (f Func) Execute(ctx context.Context, a *model.Activity) (model.Outcome, error) {
	return f.Fn(ctx, a)
}

// Registry maps activity types to processors
type Registry struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:     logger.Named("registry"),
		processors: make(map[string]Processor),
	}
}

// Register adds a processor for its type
func (r *Registry) Register(p Processor) error {
	if err := repository.ValidateType(p.Type()); err != nil {
		return err
	}
	if d, ok := p.(OutputDeclarer); ok {
		for _, t := range d.OutputTypes() {
			if err := repository.ValidateType(t); err != nil {
				return fmt.Errorf("processor %s declares output: %w", p.Type(), err)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.processors[p.Type()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, p.Type())
	}
	r.processors[p.Type()] = p

	r.logger.Info("Processor registered", zap.String("activity_type", p.Type()))
	return nil
}

// Lookup returns the processor for a type
func (r *Registry) Lookup(activityType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[activityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredType, activityType)
	}
	return p, nil
}

// Has reports whether a processor is registered for a type
func (r *Registry) Has(activityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[activityType]
	return ok
}

// Types returns the registered types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run executes p, converting errors and panics into failure outcomes
func Run(ctx context.Context, p Processor, a *model.Activity) (outcome model.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			Logger(ctx).Error("Processor panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			outcome = model.Failure(fmt.Sprintf("processor panicked: %v", r))
		}
	}()

	outcome, err := p.Execute(ctx, a)
	if err != nil {
		return model.Failure(err.Error())
	}
	if outcome.Kind == "" {
		return model.Success()
	}
	return outcome
}

// ValidateChain checks the follow-ups of a chain outcome against the
// processor's declared outputs and the creation limit
func ValidateChain(p Processor, next []model.Spec, limit int) error {
	if limit <= 0 {
		limit = DefaultCreationLimit
	}
	if len(next) > limit {
		return fmt.Errorf("%w: %s created %d activities, limit is %d", ErrCreationLimit, p.Type(), len(next), limit)
	}

	d, ok := p.(OutputDeclarer)
	if !ok {
		return nil
	}
	allowed := make(map[string]bool)
	for _, t := range d.OutputTypes() {
		allowed[t] = true
	}
	for _, spec := range next {
		if !allowed[spec.Type] {
			return fmt.Errorf("%w: %s may not create %s", ErrUndeclaredOutput, p.Type(), spec.Type)
		}
	}
	return nil
}
