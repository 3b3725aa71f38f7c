package decorate

import (
	"errors"
	"strings"
	"testing"
)

type greeter interface {
	Greet() string
}

type counter interface {
	Count() int
}

type widget interface {
	Decorate() string
}

type base struct{ name string }

func (b *base) Greet() string { return "base:" + b.name }
func (b *base) Count() int    { return 0 }

type polite struct {
	Link
	tag string
}

func (p *polite) Greet() string { return "polite:" + p.tag }

type loud struct {
	Link
}

func (l *loud) Count() int { return 10 }

// chained delegates to the frame below it.
type chained struct {
	Link
	tag string
}

func (c *chained) Greet() string {
	next, err := Next[greeter](c)
	if err != nil {
		return "error:" + err.Error()
	}
	return c.tag + ">" + next.Greet()
}

func TestCompose_TopLayerAnswersExternally(t *testing.T) {
	l1 := &polite{tag: "L1"}
	l2 := &loud{}
	l3 := &polite{tag: "L3"}

	stack, err := Compose(&base{name: "t"}, l1, l2, l3)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	g, err := Lookup[greeter](stack)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := g.Greet(); got != "polite:L3" {
		t.Errorf("Expected L3 to answer, got: %s", got)
	}

	c, err := Lookup[counter](stack)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := c.Count(); got != 10 {
		t.Errorf("Expected L2 to answer Count, got: %d", got)
	}
}

func TestNext_DelegatesBelowCurrentLayer(t *testing.T) {
	l1 := &polite{tag: "L1"}
	l2 := &loud{}
	l3 := &chained{tag: "L3"}

	stack, err := Compose(&base{name: "t"}, l1, l2, l3)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	g, err := Lookup[greeter](stack)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := g.Greet(); got != "L3>polite:L1" {
		t.Errorf("Expected L3 to delegate to L1, got: %s", got)
	}
}

func TestNext_FallsThroughToTarget(t *testing.T) {
	l1 := &chained{tag: "L1"}

	stack, err := Compose(&base{name: "t"}, l1)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	g, _ := Lookup[greeter](stack)
	if got := g.Greet(); got != "L1>base:t" {
		t.Errorf("Expected delegation to target, got: %s", got)
	}
}

func TestLookup_MemberNotFound(t *testing.T) {
	stack, err := Compose(&base{name: "t"}, &loud{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_, err = Lookup[widget](stack)
	if !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("Expected ErrMemberNotFound, got: %v", err)
	}
	if !strings.Contains(err.Error(), "*decorate.base") || !strings.Contains(err.Error(), "widget") {
		t.Errorf("Expected message to name target type and member, got: %v", err)
	}

	// recorded miss answers the same way
	if _, err := Lookup[widget](stack); !errors.Is(err, ErrMemberNotFound) {
		t.Errorf("Expected recorded miss, got: %v", err)
	}
}

func TestCompose_RejectsLayerAsTarget(t *testing.T) {
	_, err := Compose(&polite{tag: "x"})
	if !errors.Is(err, ErrNotBase) {
		t.Errorf("Expected ErrNotBase, got: %v", err)
	}

	stack, err := Compose(&base{name: "t"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := Compose(stack); !errors.Is(err, ErrNotBase) {
		t.Errorf("Expected ErrNotBase for nested stack, got: %v", err)
	}
}

func TestCompose_RejectsDoubleAttach(t *testing.T) {
	shared := &polite{tag: "shared"}

	if _, err := Compose(&base{name: "a"}, shared); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := Compose(&base{name: "b"}, shared); !errors.Is(err, ErrLayerAttached) {
		t.Errorf("Expected ErrLayerAttached, got: %v", err)
	}

	twice := &loud{}
	if _, err := Compose(&base{name: "c"}, twice, twice); !errors.Is(err, ErrLayerAttached) {
		t.Errorf("Expected ErrLayerAttached for repeated layer, got: %v", err)
	}
	if Attached(twice) {
		t.Errorf("Expected failed composition to leave layer detached")
	}
}

func TestComposeFamily_RejectsUnrelatedLayer(t *testing.T) {
	_, err := ComposeFamily[greeter](&base{name: "t"}, &polite{tag: "ok"}, &loud{})
	if !errors.Is(err, ErrUnrelatedLayer) {
		t.Errorf("Expected ErrUnrelatedLayer, got: %v", err)
	}

	if _, err := ComposeFamily[greeter](&base{name: "t"}, &polite{tag: "ok"}); err != nil {
		t.Errorf("Expected no error for family member, got: %v", err)
	}
}

func TestNext_Detached(t *testing.T) {
	_, err := Next[greeter](&chained{tag: "x"})
	if !errors.Is(err, ErrDetached) {
		t.Errorf("Expected ErrDetached, got: %v", err)
	}
	if _, err := TargetOf(&chained{}); !errors.Is(err, ErrDetached) {
		t.Errorf("Expected ErrDetached from TargetOf, got: %v", err)
	}
}

func TestLayersOf(t *testing.T) {
	l1 := &polite{tag: "L1"}
	l2 := &loud{}
	l3 := &polite{tag: "L3"}

	stack, err := Compose(&base{name: "t"}, l1, l2, l3)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	polites := LayersOf[*polite](stack)
	if len(polites) != 2 || polites[0] != l3 || polites[1] != l1 {
		t.Errorf("Expected [L3 L1], got: %v", polites)
	}

	greeters := LayersOf[greeter](stack)
	if len(greeters) != 2 {
		t.Errorf("Expected 2 greeter layers, got: %d", len(greeters))
	}

	if !IsDecoratedWith[*loud](stack) {
		t.Errorf("Expected stack to be decorated with *loud")
	}
	if IsDecoratedWith[*chained](stack) {
		t.Errorf("Expected stack not to be decorated with *chained")
	}
}

func TestTargetOf(t *testing.T) {
	target := &base{name: "t"}
	l1 := &loud{}

	stack, err := Compose(target, l1)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got, err := TargetOf(l1)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != target || stack.Target() != target {
		t.Errorf("Expected target to be returned")
	}
	if stack.Len() != 1 {
		t.Errorf("Expected 1 layer, got: %d", stack.Len())
	}
}
