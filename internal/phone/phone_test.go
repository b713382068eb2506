package phone

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	n := NewNormalizer("971")
	tests := []struct {
		in   string
		want string
	}{
		{in: "97124940699", want: "024940699"},
		{in: "+97124940699", want: "024940699"},
		{in: " 971585254194 ", want: "0585254194"},
		{in: "0585254194", want: "0585254194"},
		{in: "4412345678", want: "4412345678"},
		{in: "971", want: "0"},
		{in: "", want: ""},
		{in: "anonymous", want: "anonymous"},
	}
	for _, tt := range tests {
		if got := n.Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"97124940699",
		"+971971971",
		"971971",
		"0971555",
		"00971555",
		" 97155 ",
		"",
		"+",
		"971",
		"sip:971555@pbx",
		"0",
	}
	for _, code := range []string{"971", "+44", "", "0971"} {
		n := NewNormalizer(code)
		if code == "0971" {
			n = Normalizer{CountryCode: code}
		}
		for _, in := range inputs {
			once := n.Normalize(in)
			twice := n.Normalize(once)
			if once != twice {
				t.Fatalf("code %q: Normalize(Normalize(%q))=%q, want %q", code, in, twice, once)
			}
		}
	}
}

func TestNewNormalizerDefaultsCountryCode(t *testing.T) {
	t.Parallel()

	if got := NewNormalizer("").CountryCode; got != DefaultCountryCode {
		t.Fatalf("CountryCode=%q, want %q", got, DefaultCountryCode)
	}
	if got := NewNormalizer("+44").CountryCode; got != "44" {
		t.Fatalf("CountryCode=%q, want 44", got)
	}
}

func TestAlternate(t *testing.T) {
	t.Parallel()

	n := NewNormalizer("971")
	if got := n.Alternate("0585254194"); got != "971585254194" {
		t.Fatalf("Alternate(domestic)=%q, want 971585254194", got)
	}
	if got := n.Alternate("971585254194"); got != "0585254194" {
		t.Fatalf("Alternate(international)=%q, want 0585254194", got)
	}
	if got := n.Alternate("12345"); got != "12345" {
		t.Fatalf("Alternate(other)=%q, want unchanged", got)
	}
}

func TestSameSubscriber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{a: "971585254194", b: "0585254194", want: true},
		{a: "+971 58 525 4194", b: "254194", want: true},
		{a: "0585254194", b: "0585254195", want: false},
		{a: "1234", b: "1234", want: true},
		{a: "1234", b: "01234", want: false},
		{a: "", b: "", want: false},
		{a: "abc", b: "abc", want: false},
	}
	for _, tt := range tests {
		if got := SameSubscriber(tt.a, tt.b); got != tt.want {
			t.Fatalf("SameSubscriber(%q, %q)=%v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
