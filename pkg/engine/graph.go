package engine

import (
	"context"

	"github.com/openfroyo/strata/pkg/telemetry"
)

// Chain returns name followed by its ancestors, closest first.
func (w *Workspace) Chain(ctx context.Context, name string) ([]string, error) {
	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	return w.chain(ctx, name)
}

func (w *Workspace) chain(ctx context.Context, name string) (chain []string, err error) {
	_, span := w.tel.Tracer.StartResolutionSpan(ctx, name)
	defer func() {
		w.tel.Metrics.RecordResolution(len(chain), err)
		if err != nil {
			telemetry.RecordError(span, err)
			_ = w.tel.Events.PublishInheritanceRejected(name, err)
			w.logger.WithPackage(name, "").WithError(err).Warn("Inheritance chain rejected")
		} else {
			span.SetAttributes(telemetry.AttrChainLength.Int(len(chain)))
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	return w.resolver.Chain(name)
}

// Ancestors returns the ancestors of name, closest first.
func (w *Workspace) Ancestors(ctx context.Context, name string) ([]string, error) {
	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	chain, err := w.chain(ctx, name)
	if err != nil {
		return nil, err
	}
	return chain[1:], nil
}

// Descendants returns every package inheriting from name, directly or not.
func (w *Workspace) Descendants(ctx context.Context, name string) (_ []string, err error) {
	op := w.tel.StartOperation(ctx, "inherit.descendants", telemetry.AttrPackage.String(name))
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	if _, err := w.packages.Get(name, ""); err != nil {
		return nil, err
	}
	return w.resolver.Descendants(name)
}

// Graph renders the inheritance graph reachable from name in DOT format.
func (w *Workspace) Graph(ctx context.Context, name string) (_ string, err error) {
	op := w.tel.StartOperation(ctx, "inherit.graph", telemetry.AttrPackage.String(name))
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return "", err
	}
	defer w.mu.Unlock()

	return w.resolver.ToDOT(name)
}
