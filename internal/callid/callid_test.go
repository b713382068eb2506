package callid

import "testing"

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want Type
	}{
		{id: "1769423875.1860", want: TypeA},
		{id: "1.2", want: TypeA},
		{id: "e5dda4626ae0e6b685765fc4490ac9ed", want: TypeB},
		{id: "0123456789abcdef", want: TypeB},
		{id: "12345", want: TypeB},
		{id: "E5DDA4626AE0", want: Unknown},
		{id: "abc.def", want: Unknown},
		{id: "1769423875.", want: Unknown},
		{id: ".1860", want: Unknown},
		{id: "1.2.3", want: Unknown},
		{id: "xyz", want: Unknown},
		{id: "", want: Unknown},
		{id: " 1.2", want: Unknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.id, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.id); got != tt.want {
				t.Fatalf("Classify(%q)=%q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestTypeString(t *testing.T) {
	t.Parallel()

	if got := Type("").String(); got != "unknown" {
		t.Fatalf("empty type String()=%q, want unknown", got)
	}
	if got := TypeA.String(); got != "dialer" {
		t.Fatalf("TypeA String()=%q, want dialer", got)
	}
}
