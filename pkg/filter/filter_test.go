package filter

import "testing"

func TestEvaluateEmptyFilterMatchesAll(t *testing.T) {
	var f Filter
	if !f.Evaluate(map[string]any{"x": 1}) {
		t.Fatalf("empty filter should match everything")
	}
}

func TestEvaluateAnd(t *testing.T) {
	f := Filter{
		Combinator: And,
		Predicates: []Predicate{
			{Key: "category", Op: Equals, Value: "book"},
			{Key: "price", Op: LessThan, Value: 20.0},
		},
	}
	if !f.Evaluate(map[string]any{"category": "book", "price": 15.0}) {
		t.Fatalf("want match")
	}
	if f.Evaluate(map[string]any{"category": "book", "price": 25.0}) {
		t.Fatalf("want no match: price over threshold")
	}
	if f.Evaluate(map[string]any{"price": 15.0}) {
		t.Fatalf("want no match: missing key")
	}
}

func TestEvaluateOr(t *testing.T) {
	f := Filter{
		Combinator: Or,
		Predicates: []Predicate{
			{Key: "category", Op: Equals, Value: "book"},
			{Key: "category", Op: Equals, Value: "movie"},
		},
	}
	if !f.Evaluate(map[string]any{"category": "movie"}) {
		t.Fatalf("want match")
	}
	if f.Evaluate(map[string]any{"category": "game"}) {
		t.Fatalf("want no match")
	}
}

func TestNumericComparisonCrossesTypes(t *testing.T) {
	p := Predicate{Key: "n", Op: GreaterEqual, Value: 10}
	if !p.evaluate(map[string]any{"n": float32(10)}) {
		t.Fatalf("want float32(10) >= int(10)")
	}
	if !p.evaluate(map[string]any{"n": "12"}) {
		t.Fatalf("want numeric string parsed for comparison")
	}
}

func TestContainsOnSliceAndString(t *testing.T) {
	p := Predicate{Key: "tags", Op: Contains, Value: "red"}
	if !p.evaluate(map[string]any{"tags": []string{"blue", "red"}}) {
		t.Fatalf("want slice contains match")
	}
	sp := Predicate{Key: "name", Op: Contains, Value: "cat"}
	if !sp.evaluate(map[string]any{"name": "concatenate"}) {
		t.Fatalf("want substring match")
	}
}

func TestInNotIn(t *testing.T) {
	p := Predicate{Key: "color", Op: In, Value: []string{"red", "green"}}
	if !p.evaluate(map[string]any{"color": "green"}) {
		t.Fatalf("want In match")
	}
	np := Predicate{Key: "color", Op: NotIn, Value: []string{"red", "green"}}
	if !np.evaluate(map[string]any{"color": "blue"}) {
		t.Fatalf("want NotIn match")
	}
}

func TestRegexStartsEndsWith(t *testing.T) {
	r := Predicate{Key: "name", Op: Regex, Value: "^a.*z$"}
	if !r.evaluate(map[string]any{"name": "abcz"}) {
		t.Fatalf("want regex match")
	}
	sw := Predicate{Key: "name", Op: StartsWith, Value: "ab"}
	if !sw.evaluate(map[string]any{"name": "abcz"}) {
		t.Fatalf("want prefix match")
	}
	ew := Predicate{Key: "name", Op: EndsWith, Value: "cz"}
	if !ew.evaluate(map[string]any{"name": "abcz"}) {
		t.Fatalf("want suffix match")
	}
}

func TestParseOperatorUnknownNormalizesToEquals(t *testing.T) {
	if ParseOperator("blorp") != Equals {
		t.Fatalf("unknown operator string should normalize to Equals")
	}
	if ParseOperator(">=") != GreaterEqual {
		t.Fatalf("want GreaterEqual")
	}
	if ParseOperator("contains") != Contains {
		t.Fatalf("want case-insensitive match")
	}
}
