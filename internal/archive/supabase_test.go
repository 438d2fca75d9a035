package archive

import "testing"

func TestObjectKey(t *testing.T) {
	cases := map[string]string{
		"utterance-1700.pcm": "utterances/utterance-1700.pcm",
		"my file.pcm":        "utterances/my-file.pcm",
		"a/b.pcm":            "utterances/a-b.pcm",
		"  ":                 "utterances/utterance",
	}
	for in, want := range cases {
		if got := objectKey(in); got != want {
			t.Fatalf("objectKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublicURL(t *testing.T) {
	s := &Supabase{bucket: "recordings", base: "https://proj.supabase.co"}
	want := "https://proj.supabase.co/storage/v1/object/public/recordings/utterances/x.pcm"
	if got := s.publicURL("utterances/x.pcm"); got != want {
		t.Fatalf("got %q", got)
	}
}
