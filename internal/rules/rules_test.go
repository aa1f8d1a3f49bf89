package rules

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, condition string) Expr {
	t.Helper()
	expr, err := Parse(condition)
	if err != nil {
		t.Fatalf("Parse(%q): %v", condition, err)
	}
	return expr
}

func TestEvaluateBasics(t *testing.T) {
	cases := []struct {
		condition string
		facts     Facts
		want      bool
	}{
		{"true", nil, true},
		{"false", nil, false},
		{"TRUE", nil, true},
		{"rank >= 5", Facts{"rank": int64(7)}, true},
		{"rank >= 5", Facts{"rank": int64(3)}, false},
		{"rank = 5", Facts{"rank": int64(5)}, true},
		{"rank == 5", Facts{"rank": int64(5)}, true},
		{"rank != 5", Facts{"rank": int64(5)}, false},
		{"rank < 2.5", Facts{"rank": int64(2)}, true},
		{"name = 'admin'", Facts{"name": "admin"}, true},
		{"name = \"admin\"", Facts{"name": "admin"}, true},
		{"name = 'admin'", Facts{"name": "guest"}, false},
		{"premium", Facts{"premium": true}, true},
		{"premium", Facts{"premium": false}, false},
		{"not premium", Facts{"premium": false}, true},
		{"rank > 0 and premium", Facts{"rank": int64(1), "premium": true}, true},
		{"rank > 0 and premium", Facts{"rank": int64(1), "premium": false}, false},
		{"rank > 9 or premium", Facts{"rank": int64(1), "premium": true}, true},
		{"(rank > 9 or premium) and name = 'x'", Facts{"premium": true, "name": "x"}, true},
		{"AND", nil, false}, // keyword alone fails to parse; fail-closed checked separately
	}
	for _, tc := range cases {
		expr, err := Parse(tc.condition)
		if err != nil {
			// Parse failures are exercised in TestParseErrors; here only the
			// last row is expected to fail.
			continue
		}
		if got := Evaluate(expr, tc.facts); got != tc.want {
			t.Errorf("Evaluate(%q, %v) = %v, want %v", tc.condition, tc.facts, got, tc.want)
		}
	}
}

func TestEvaluateFailClosed(t *testing.T) {
	// Нерешённый факт — false, а не ошибка.
	if Evaluate(mustParse(t, "rank >= 5"), Facts{}) {
		t.Fatal("missing fact in comparison must evaluate false")
	}
	if Evaluate(mustParse(t, "badge_42 and rank > 0"), Facts{}) {
		t.Fatal("missing facts must evaluate false")
	}
	// Несовпадение типов — false.
	if Evaluate(mustParse(t, "rank >= 5"), Facts{"rank": "high"}) {
		t.Fatal("type mismatch must evaluate false")
	}
	if Evaluate(mustParse(t, "name = 5"), Facts{"name": "5"}) {
		t.Fatal("string/number comparison must evaluate false")
	}
	// Булев факт с порядковым оператором — false.
	if Evaluate(mustParse(t, "premium > false"), Facts{"premium": true}) {
		t.Fatal("ordered comparison on booleans must evaluate false")
	}
	// Небулев результат на верхнем уровне — false.
	if Evaluate(mustParse(t, "rank"), Facts{"rank": int64(5)}) {
		t.Fatal("non-boolean top level must evaluate false")
	}
}

func TestNotBindsTighterThanAnd(t *testing.T) {
	expr := mustParse(t, "not premium and rank > 0")
	if !Evaluate(expr, Facts{"premium": false, "rank": int64(1)}) {
		t.Fatal("expected (not premium) and (rank > 0) to hold")
	}
	if Evaluate(expr, Facts{"premium": true, "rank": int64(1)}) {
		t.Fatal("expected false when premium is set")
	}
}

func TestAndBindsTighterThanOr(t *testing.T) {
	expr := mustParse(t, "a or b and c")
	if !Evaluate(expr, Facts{"a": true, "b": false, "c": false}) {
		t.Fatal("expected a or (b and c)")
	}
	if Evaluate(expr, Facts{"a": false, "b": true, "c": false}) {
		t.Fatal("expected b and c to group together")
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		"rank >",
		"rank >= >= 5",
		"(rank > 5",
		"rank ~ 5",
		"'unterminated",
		"and rank",
		"rank > 5 extra",
	}
	for _, condition := range cases {
		_, err := Parse(condition)
		if err == nil {
			t.Errorf("Parse(%q): expected error", condition)
			continue
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("Parse(%q): error %v is not a ParseError", condition, err)
		}
	}
}

func TestParseErrorPosition(t *testing.T) {
	_, err := Parse("rank ~ 5")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
	if pe.Pos != 5 {
		t.Fatalf("pos = %d, want 5", pe.Pos)
	}
}

func TestCacheReusesParsedTree(t *testing.T) {
	cache := NewCache()
	stamp := time.Now()

	a, err := cache.Get("rank >= 5", stamp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := cache.Get("rank >= 5", stamp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache size = %d, want 1", cache.Len())
	}
	if !Evaluate(a, Facts{"rank": int64(5)}) || !Evaluate(b, Facts{"rank": int64(5)}) {
		t.Fatal("cached trees must evaluate identically")
	}
}

func TestCacheInvalidatesOnEdit(t *testing.T) {
	cache := NewCache()
	stamp := time.Now()

	if _, err := cache.Get("rank >= 5", stamp); err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Та же строка, новый last_updated — дерево перечитывается.
	if _, err := cache.Get("rank >= 5", stamp.Add(time.Minute)); err != nil {
		t.Fatalf("Get after edit: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache size = %d, want 1", cache.Len())
	}
}

func TestCacheCachesParseFailure(t *testing.T) {
	cache := NewCache()
	stamp := time.Now()

	_, err1 := cache.Get("rank >", stamp)
	_, err2 := cache.Get("rank >", stamp)
	if err1 == nil || err2 == nil {
		t.Fatal("expected parse errors")
	}
	if err1 != err2 {
		t.Fatal("expected the cached error instance")
	}
}
