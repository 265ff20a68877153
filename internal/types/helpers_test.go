package types

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestIntFromAnyHandlesAllNumericTypes(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want int
	}{
		{"float64", float64(42), 42},
		{"int", int(99), 99},
		{"int64", int64(1234567), 1234567},
		{"json.Number", json.Number("999"), 999},
		{"nil", nil, 0},
		{"string", "not a number", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IntFromAny(tt.val)
			if got != tt.want {
				t.Fatalf("IntFromAny(%v) = %d, want %d", tt.val, got, tt.want)
			}
		})
	}
}

func TestContentText(t *testing.T) {
	var decoded any
	raw := `[{"type":"text","text":"hello"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"world"}]`
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		content any
		want    string
	}{
		{"string", "plain", "plain"},
		{"nil", nil, ""},
		{"decoded parts", decoded, "hello\nworld"},
		{"typed parts", []ContentPart{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}, "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContentText(tt.content); got != tt.want {
				t.Fatalf("ContentText: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStopSequences(t *testing.T) {
	tests := []struct {
		name   string
		val    any
		want   []string
		wantOK bool
	}{
		{"nil", nil, nil, true},
		{"string", "END", []string{"END"}, true},
		{"array", []any{"a", "b"}, []string{"a", "b"}, true},
		{"mixed array", []any{"a", 1.0}, nil, false},
		{"number", 3.0, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := StopSequences(tt.val)
			if ok != tt.wantOK || !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("StopSequences(%v) = %v, %v; want %v, %v", tt.val, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
