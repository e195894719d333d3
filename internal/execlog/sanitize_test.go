package execlog

import "testing"

func TestSanitizeLogLine(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "csi and osc sequences",
			input: "ok \x1b[31mred\x1b[0m \x1b]0;title\x07 done",
			want:  "ok red  done",
		},
		{
			name:  "st terminated sequence",
			input: "a\x1bPpayload\x1b\\b",
			want:  "ab",
		},
		{
			name:  "newlines tabs and bidi controls",
			input: "a\tb\nc\r‮x",
			want:  "a bcx",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SanitizeLogLine(tc.input)
			if got != tc.want {
				t.Fatalf("SanitizeLogLine(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestSanitizeLogLineTruncates(t *testing.T) {
	input := make([]byte, maxLogChars+100)
	for i := range input {
		input[i] = 'x'
	}
	got := SanitizeLogLine(string(input))
	if len(got) <= maxLogChars {
		t.Fatalf("expected truncation marker appended")
	}
	if got[len(got)-len(" ...[truncated]"):] != " ...[truncated]" {
		t.Fatalf("missing truncation suffix: %q", got[len(got)-20:])
	}
}
