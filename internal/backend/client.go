// Package backend is the HTTP client for the tutoring backend. Every call is
// JSON over HTTPS and carries a grade-level header derived from the stored
// preference; responses are normalized into canonical shapes so the rest of
// the engine never sees the backend's naming drift.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/majemaai/tutorlink/internal/transcript"
)

// Grade is the stored grade-level preference.
type Grade string

const (
	GradeLower  Grade = "lowergrade"
	GradeMid    Grade = "midgrade"
	GradeHigher Grade = "highergrade"
)

// ParseGrade maps a stored preference string onto a known grade, defaulting
// to the mid tier when unset or invalid.
func ParseGrade(s string) Grade {
	switch Grade(strings.ToLower(strings.TrimSpace(s))) {
	case GradeLower:
		return GradeLower
	case GradeHigher:
		return GradeHigher
	default:
		return GradeMid
	}
}

// DBLevel is the knowledge-base tier the backend indexes by grade.
func (g Grade) DBLevel() string {
	switch g {
	case GradeLower:
		return "low"
	case GradeHigher:
		return "high"
	default:
		return "mid"
	}
}

const (
	defaultModel   = "gpt-4o-mini"
	noExplanation  = "No explanation available."
	requestTimeout = 60 * time.Second
)

// Client talks to the tutoring backend.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Model      string
}

func NewClient(baseURL string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: requestTimeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Model:      defaultModel,
	}
}

// Answer is the canonical shape of an explain-grammar response. The backend
// mixes answer/response/text and audio_url/audioUrl; ingestion collapses them
// here so missing fields degrade to placeholders, never to errors.
type Answer struct {
	Text      string
	SourceIDs []string
	AudioURL  string
	VideoURL  string
}

type explainGrammarRequest struct {
	Question        string `json:"question"`
	SynthesizeAudio bool   `json:"synthesize_audio"`
	SynthesizeVideo bool   `json:"synthesize_video"`
	DBLevel         string `json:"db_level"`
	Model           string `json:"model"`
}

type explainGrammarResponse struct {
	Answer    string   `json:"answer"`
	Response  string   `json:"response"`
	Text      string   `json:"text"`
	SourceIDs []string `json:"source_ids"`
	AudioURL  string   `json:"audio_url"`
	AudioURL2 string   `json:"audioUrl"`
	VideoURL  string   `json:"video_url"`
	VideoURL2 string   `json:"videoUrl"`
}

// ExplainGrammar asks the backend to answer a grammar question, optionally
// synthesizing narration audio and tutor video alongside the text.
func (c *Client) ExplainGrammar(ctx context.Context, grade Grade, question string, wantAudio, wantVideo bool) (Answer, error) {
	req := explainGrammarRequest{
		Question:        question,
		SynthesizeAudio: wantAudio,
		SynthesizeVideo: wantVideo,
		DBLevel:         grade.DBLevel(),
		Model:           c.Model,
	}
	var resp explainGrammarResponse
	if err := c.postJSON(ctx, grade, "/explain-grammar", req, &resp); err != nil {
		return Answer{}, err
	}
	return normalizeAnswer(resp), nil
}

func normalizeAnswer(r explainGrammarResponse) Answer {
	// Some backend paths return the raw chat-completion object string; unwrap
	// its content before falling back to the placeholder.
	text := transcript.ExtractAssistantContent(firstNonEmpty(r.Answer, r.Response, r.Text))
	if text == "" {
		text = noExplanation
	}
	ids := make([]string, 0, len(r.SourceIDs))
	for _, id := range r.SourceIDs {
		if strings.TrimSpace(id) != "" {
			ids = append(ids, id)
		}
	}
	return Answer{
		Text:      text,
		SourceIDs: ids,
		AudioURL:  firstNonEmpty(r.AudioURL, r.AudioURL2),
		VideoURL:  firstNonEmpty(r.VideoURL, r.VideoURL2),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

type generateQuestionsRequest struct {
	QType   string `json:"qtype"`
	N       int    `json:"n"`
	Topic   string `json:"topic"`
	Model   string `json:"model"`
	DBLevel string `json:"db_level"`
}

type generateQuestionsResponse struct {
	Questions []json.RawMessage `json:"questions"`
}

// GenerateQuestions fetches n open questions for the topic. The backend
// returns either bare strings or {question: "..."} objects; both are accepted.
func (c *Client) GenerateQuestions(ctx context.Context, grade Grade, n int, topic string) ([]string, error) {
	if n <= 0 {
		n = 5
	}
	req := generateQuestionsRequest{QType: "OPEN", N: n, Topic: topic, Model: c.Model, DBLevel: grade.DBLevel()}
	var resp generateQuestionsResponse
	if err := c.postJSON(ctx, grade, "/generate-questions", req, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Questions))
	for _, raw := range resp.Questions {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Question) != "" {
			out = append(out, obj.Question)
		}
	}
	return out, nil
}

type suggestFollowupsRequest struct {
	LastQuestion string   `json:"last_question"`
	LastAnswer   string   `json:"last_answer"`
	N            int      `json:"n"`
	SourceIDs    []string `json:"source_ids"`
	DBLevel      string   `json:"db_level"`
	Model        string   `json:"model"`
}

// SuggestFollowups asks for follow-up questions grounded on the last turn.
func (c *Client) SuggestFollowups(ctx context.Context, grade Grade, lastQuestion, lastAnswer string, n int, sourceIDs []string) ([]string, error) {
	if n <= 0 {
		n = 5
	}
	if sourceIDs == nil {
		sourceIDs = []string{}
	}
	req := suggestFollowupsRequest{
		LastQuestion: lastQuestion,
		LastAnswer:   lastAnswer,
		N:            n,
		SourceIDs:    sourceIDs,
		DBLevel:      grade.DBLevel(),
		Model:        c.Model,
	}
	var resp struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := c.postJSON(ctx, grade, "/suggest-followups", req, &resp); err != nil {
		return nil, err
	}
	out := resp.Suggestions[:0]
	for _, s := range resp.Suggestions {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

type synthesizeRequest struct {
	Text           string   `json:"text"`
	Language       string   `json:"language"`
	DBLevel        string   `json:"db_level"`
	Model          string   `json:"model"`
	ReferenceFiles []string `json:"reference_files,omitempty"`
}

// SynthesizeAudio requests server-side narration for the text and returns the
// resulting audio URL. An empty URL means no media is available.
func (c *Client) SynthesizeAudio(ctx context.Context, grade Grade, text string, referenceFiles []string) (string, error) {
	req := synthesizeRequest{Text: text, Language: "en", DBLevel: grade.DBLevel(), Model: c.Model, ReferenceFiles: referenceFiles}
	var resp struct {
		AudioURL string `json:"audio_url"`
	}
	if err := c.postJSON(ctx, grade, "/synthesize-audio", req, &resp); err != nil {
		return "", err
	}
	return resp.AudioURL, nil
}

// SynthesizeVideo requests a talking-head video for the text.
func (c *Client) SynthesizeVideo(ctx context.Context, grade Grade, text string) (string, error) {
	return c.videoFor(ctx, grade, "/synthesize-video", text)
}

// GenerateVideoFromText is the alternate video pipeline endpoint.
func (c *Client) GenerateVideoFromText(ctx context.Context, grade Grade, text string) (string, error) {
	return c.videoFor(ctx, grade, "/generate-video-from-text", text)
}

func (c *Client) videoFor(ctx context.Context, grade Grade, path, text string) (string, error) {
	req := synthesizeRequest{Text: text, Language: "en", DBLevel: grade.DBLevel(), Model: c.Model}
	var resp struct {
		VideoURL string `json:"video_url"`
	}
	if err := c.postJSON(ctx, grade, path, req, &resp); err != nil {
		return "", err
	}
	return resp.VideoURL, nil
}

// Punctuate runs the dictated transcript through the backend punctuation
// model. Failures are returned so the caller can fall back to the raw text.
func (c *Client) Punctuate(ctx context.Context, grade Grade, text string) (string, error) {
	var resp struct {
		Punctuated string `json:"punctuated"`
	}
	if err := c.postJSON(ctx, grade, "/punctuate", map[string]string{"text": text}, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Punctuated), nil
}

// Transcribe uploads a recorded utterance as multipart form data and returns
// the recognized text.
func (c *Client) Transcribe(ctx context.Context, grade Grade, filename string, audio []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("backend: build transcribe form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("backend: write transcribe form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("backend: close transcribe form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/transcribe", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-User", string(grade))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend: transcribe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("backend: transcribe status=%d body=%s", resp.StatusCode, string(b))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("backend: decode transcribe response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func (c *Client) postJSON(ctx context.Context, grade Grade, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backend: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", string(grade))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend: %s status=%d body=%s", path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", path, err)
	}
	return nil
}
