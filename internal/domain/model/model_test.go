package model

import (
	"strings"
	"testing"
)

// TestVerdictReject проверяет перевод вердикта в отказ.
func TestVerdictReject(t *testing.T) {
	v := &ValidationVerdict{IsAccepted: true}
	v.Reject(RejectSecurity, "type spoofing")

	if v.IsAccepted {
		t.Error("вердикт должен быть отказом")
	}
	if v.RejectKind != RejectSecurity {
		t.Errorf("класс отказа: получено %q", v.RejectKind)
	}
	if len(v.Reasons) != 1 || v.Reasons[0] != "type spoofing" {
		t.Errorf("причины: получено %v", v.Reasons)
	}
}

// TestHasHardFinding проверяет поиск жёстких наблюдений.
func TestHasHardFinding(t *testing.T) {
	v := &ValidationVerdict{Findings: []AnalysisFinding{
		{Category: CategoryMetadata, Description: "large block", SeverityWeight: 10},
		{Category: CategorySignature, Description: "EICAR", Hard: true},
	}}

	if !v.HasHardFinding("") {
		t.Error("ожидалось жёсткое наблюдение любой категории")
	}
	if !v.HasHardFinding(CategorySignature) {
		t.Error("ожидалось жёсткое сигнатурное наблюдение")
	}
	if v.HasHardFinding(CategoryMetadata) {
		t.Error("наблюдение metadata не жёсткое")
	}
}

// TestIsValidContentHash проверяет формат хэша.
func TestIsValidContentHash(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{strings.Repeat("a", 64), true},
		{strings.Repeat("0", 64), true},
		{strings.Repeat("A", 64), false},
		{strings.Repeat("g", 64), false},
		{strings.Repeat("a", 63), false},
		{"../" + strings.Repeat("a", 61), false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidContentHash(tt.input); got != tt.valid {
			t.Errorf("IsValidContentHash(%q) = %v, ожидалось %v", tt.input, got, tt.valid)
		}
	}
}

// TestClampSeverity проверяет ограничение шкалы критичности.
func TestClampSeverity(t *testing.T) {
	cases := map[int]int{-5: 1, 0: 1, 1: 1, 7: 7, 10: 10, 42: 10}
	for in, want := range cases {
		if got := ClampSeverity(in); got != want {
			t.Errorf("ClampSeverity(%d) = %d, ожидалось %d", in, got, want)
		}
	}
}

// TestEnumsValid проверяет допустимые значения перечислений.
func TestEnumsValid(t *testing.T) {
	if !LevelCritical.Valid() || LogLevel("fatal").Valid() {
		t.Error("LogLevel.Valid работает некорректно")
	}
	if !EventMalwareDetected.Valid() || EventType("login").Valid() {
		t.Error("EventType.Valid работает некорректно")
	}
}
