package transcript

import "testing"

func TestNormalize_LiteralCases(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"what time is it", "What time is it?"},
		{"this is great full stop", "This is great."},
		{"open parenthesis hello close parenthesis", "(hello)"},
		{"hello comma world question mark", "Hello, world?"},
		{"first line new line second line", "First line\nsecond line"},
		{"one hundred percent", "One hundred%"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		got := Normalize(tc.in)
		if got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"what time is it",
		"this is great full stop",
		"open parenthesis hello close parenthesis",
		"can you explain tenses",
		"wait ellipsis ok",
		"He said quote hello quote full stop",
		"already normalized. Sentence two!",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("Normalize not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}

func TestNormalize_CapitalizesAfterSentencePunctuation(t *testing.T) {
	got := Normalize("first sentence full stop second sentence")
	want := "First sentence. Second sentence"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalize_NoQuestionMarkForStatements(t *testing.T) {
	got := Normalize("the sky is blue")
	if got != "The sky is blue" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalize_KeepsExistingTerminalPunctuation(t *testing.T) {
	got := Normalize("is it raining question mark")
	if got != "Is it raining?" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractAssistantContent(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`message=ChatCompletionMessage(content='Hello there.', role='assistant')`, "Hello there."},
		{`ChatCompletionMessage(content="Double quoted", role="assistant")`, "Double quoted"},
		{`content='It\'s fine.'`, "It's fine."},
		{`content="She said \"hi\"."`, `She said "hi".`},
		{"plain text with no wrapper", "plain text with no wrapper"},
		{"  padded plain  ", "padded plain"},
		{"", ""},
		{`content='unterminated`, `content='unterminated`},
	}
	for _, tc := range cases {
		got := ExtractAssistantContent(tc.in)
		if got != tc.want {
			t.Fatalf("ExtractAssistantContent(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
