package expr

import "testing"

func TestEvaluateNumericComparisons(t *testing.T) {
	ctx := Context{Input: map[string]interface{}{"amount": 150.0}}
	cases := map[string]bool{
		"$input.amount >= 100": true,
		"$input.amount <= 100": false,
		"$input.amount > 150":  false,
		"$input.amount < 150":  false,
		"$input.amount == 150": true,
		"$input.amount != 150": false,
	}
	for expr, want := range cases {
		if got := Evaluate(expr, ctx); got != want {
			t.Errorf("Evaluate(%q) = %v, want %v", expr, got, want)
		}
	}
}

func TestEvaluateStringEquality(t *testing.T) {
	ctx := Context{NodeResults: map[string]map[string]interface{}{
		"stepA": {"status": "ok"},
	}}
	if !Evaluate(`$stepA.status == "ok"`, ctx) {
		t.Fatal("expected string equality to hold")
	}
	if Evaluate(`$stepA.status == "fail"`, ctx) {
		t.Fatal("expected string equality to fail")
	}
}

func TestEvaluateUndefinedIsFalsy(t *testing.T) {
	ctx := Context{}
	if Evaluate("$input.missing", ctx) {
		t.Fatal("expected undefined path to be falsy")
	}
	if Evaluate("$input.missing == 5", ctx) {
		t.Fatal("expected undefined compared numerically to be false")
	}
}

func TestEvaluateOrderingWithUnresolvedOperandsIsFalse(t *testing.T) {
	ctx := Context{}
	if Evaluate("$input.missing >= $input.alsoMissing", ctx) {
		t.Fatal("expected ordering comparison between two unresolved operands to be false, not a string fallback")
	}
	if Evaluate(`$input.missing > "5"`, ctx) {
		t.Fatal("expected ordering comparison with one non-numeric operand to be false")
	}
}

func TestEvaluateNestedPath(t *testing.T) {
	ctx := Context{Input: map[string]interface{}{
		"user": map[string]interface{}{"age": 30.0},
	}}
	if !Evaluate("$input.user.age >= 18", ctx) {
		t.Fatal("expected nested path resolution to work")
	}
}

func TestOperatorScanOrderPrefersLongestMatch(t *testing.T) {
	ctx := Context{Input: map[string]interface{}{"x": 5.0}}
	if !Evaluate("$input.x >= 5", ctx) {
		t.Fatal(">= must not be parsed as > followed by stray =")
	}
}

func TestTemplateSubstitution(t *testing.T) {
	ctx := Context{Input: map[string]interface{}{"name": "world"}}
	got := Template("hello {{$input.name}}!", ctx)
	if got != "hello world!" {
		t.Fatalf("got %q", got)
	}
}

func TestTemplateUnresolvedBecomesEmpty(t *testing.T) {
	ctx := Context{}
	got := Template("value=[{{$input.missing}}]", ctx)
	if got != "value=[]" {
		t.Fatalf("got %q", got)
	}
}
