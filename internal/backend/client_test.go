package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseGrade_DefaultsToMid(t *testing.T) {
	cases := map[string]Grade{
		"lowergrade":  GradeLower,
		"MIDGRADE":    GradeMid,
		"highergrade": GradeHigher,
		"":            GradeMid,
		"bogus":       GradeMid,
	}
	for in, want := range cases {
		if got := ParseGrade(in); got != want {
			t.Fatalf("ParseGrade(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGrade_DBLevel(t *testing.T) {
	if GradeLower.DBLevel() != "low" || GradeMid.DBLevel() != "mid" || GradeHigher.DBLevel() != "high" {
		t.Fatalf("unexpected db level mapping")
	}
}

func TestExplainGrammar_NormalizesResponseShapes(t *testing.T) {
	cases := []struct {
		body     string
		wantText string
		wantAud  string
		wantVid  string
	}{
		{`{"answer":"A","source_ids":["s1"],"audio_url":"https://x/a.mp3"}`, "A", "https://x/a.mp3", ""},
		{`{"response":"B","videoUrl":"https://x/v.mp4"}`, "B", "", "https://x/v.mp4"},
		{`{"text":"C","audioUrl":"https://x/b.mp3"}`, "C", "https://x/b.mp3", ""},
		{`{"answer":"message=ChatCompletionMessage(content='Plain words', role='assistant')"}`, "Plain words", "", ""},
		{`{}`, "No explanation available.", "", ""},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/explain-grammar" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if got := r.Header.Get("X-User"); got != "midgrade" {
				t.Errorf("expected grade header, got %q", got)
			}
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["db_level"] != "mid" {
				t.Errorf("expected db_level mid, got %v", req["db_level"])
			}
			_, _ = io.WriteString(w, tc.body)
		}))
		c := NewClient(srv.URL)
		ans, err := c.ExplainGrammar(context.Background(), GradeMid, "what is present tense", true, false)
		srv.Close()
		if err != nil {
			t.Fatalf("explain: %v", err)
		}
		if ans.Text != tc.wantText || ans.AudioURL != tc.wantAud || ans.VideoURL != tc.wantVid {
			t.Fatalf("body %s: got %+v", tc.body, ans)
		}
	}
}

func TestExplainGrammar_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	if _, err := c.ExplainGrammar(context.Background(), GradeMid, "q", false, false); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestGenerateQuestions_MixedShapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"questions":["plain", {"question":"wrapped"}, "", {"nope":1}]}`)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	qs, err := c.GenerateQuestions(context.Background(), GradeLower, 0, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(qs) != 2 || qs[0] != "plain" || qs[1] != "wrapped" {
		t.Fatalf("got %v", qs)
	}
}

func TestSuggestFollowups_SendsTurnContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["last_question"] != "q" || req["last_answer"] != "a" {
			t.Errorf("missing turn context: %v", req)
		}
		ids, _ := req["source_ids"].([]any)
		if len(ids) != 1 {
			t.Errorf("expected one source id, got %v", req["source_ids"])
		}
		_, _ = io.WriteString(w, `{"suggestions":["s1","","s2"]}`)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	got, err := c.SuggestFollowups(context.Background(), GradeMid, "q", "a", 5, []string{"id"})
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected blanks dropped, got %v", got)
	}
}

func TestTranscribe_Multipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("expected multipart, got %s", r.Header.Get("Content-Type"))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		if hdr.Filename != "speech.webm" {
			t.Errorf("filename %q", hdr.Filename)
		}
		b, _ := io.ReadAll(f)
		if string(b) != "blobdata" {
			t.Errorf("body %q", string(b))
		}
		_, _ = io.WriteString(w, `{"text":" hello there "}`)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	text, err := c.Transcribe(context.Background(), GradeMid, "speech.webm", []byte("blobdata"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("got %q", text)
	}
}

func TestPunctuate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"punctuated":"Hello, world."}`)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	got, err := c.Punctuate(context.Background(), GradeMid, "hello world")
	if err != nil {
		t.Fatalf("punctuate: %v", err)
	}
	if got != "Hello, world." {
		t.Fatalf("got %q", got)
	}
}
