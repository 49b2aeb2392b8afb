package record

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRecord_PreservesKeyOrder(t *testing.T) {
	input := `{"zeta":1,"alpha":"a","mid":{"y":true,"x":null},"list":[3,"b",{"k":1.50}]}`

	var rec Record
	if err := json.Unmarshal([]byte(input), &rec); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	want := []string{"zeta", "alpha", "mid", "list"}
	got := rec.Keys()
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != input {
		t.Errorf("Marshal() = %s, want %s", out, input)
	}
}

func TestRecord_Kinds(t *testing.T) {
	var rec Record
	if err := json.Unmarshal([]byte(`{"s":"x","n":42,"b":false,"z":null,"a":[],"o":{}}`), &rec); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	tests := []struct {
		key  string
		want Kind
	}{
		{"s", KindString},
		{"n", KindNumber},
		{"b", KindBool},
		{"z", KindNull},
		{"a", KindArray},
		{"o", KindObject},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v, ok := rec.Get(tt.key)
			if !ok {
				t.Fatalf("Get(%q) missing", tt.key)
			}
			if v.Kind() != tt.want {
				t.Errorf("Kind() = %v, want %v", v.Kind(), tt.want)
			}
		})
	}

	if _, ok := rec.Get("missing"); ok {
		t.Error("Get(missing) should report absence")
	}
	if s, ok := mustGet(t, rec, "s").AsString(); !ok || s != "x" {
		t.Errorf("AsString() = %q, %v", s, ok)
	}
	if _, ok := mustGet(t, rec, "n").AsString(); ok {
		t.Error("AsString() on a number should fail")
	}
	if n, ok := mustGet(t, rec, "n").AsNumber(); !ok || n.String() != "42" {
		t.Errorf("AsNumber() = %q, %v", n, ok)
	}
}

func TestRecord_NotObject(t *testing.T) {
	var rec Record
	err := json.Unmarshal([]byte(`[1,2]`), &rec)
	if !errors.Is(err, ErrNotObject) {
		t.Errorf("Unmarshal(array) error = %v, want ErrNotObject", err)
	}
}

func TestRecord_SetReplacesInPlace(t *testing.T) {
	rec := New(
		Field{Key: "a", Value: String("1")},
		Field{Key: "b", Value: String("2")},
	)
	rec.Set("a", Bool(true))

	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"a":true,"b":"2"}` {
		t.Errorf("Marshal() = %s", out)
	}
	if rec.Len() != 2 {
		t.Errorf("Len() = %d, want 2", rec.Len())
	}
}

func TestRecord_EmptyArrayAndEscaping(t *testing.T) {
	rec := New(
		Field{Key: "empty", Value: Array()},
		Field{Key: "quote", Value: String(`say "hi"`)},
	)
	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"empty":[],"quote":"say \"hi\""}`
	if string(out) != want {
		t.Errorf("Marshal() = %s, want %s", out, want)
	}
}

func mustGet(t *testing.T, rec Record, key string) Value {
	t.Helper()
	v, ok := rec.Get(key)
	if !ok {
		t.Fatalf("Get(%q) missing", key)
	}
	return v
}
