package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	AuthPassword   string
	BackendBaseURL string
	BackendModel   string

	DeepgramKey   string
	ElevenLabsKey string

	RedisURL string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	ICEServersJSON string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Error loading .env file")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	backendURL := os.Getenv("BACKEND_BASE_URL")
	if backendURL == "" {
		log.Println("Warning: BACKEND_BASE_URL not set - tutoring answers will not work")
	}
	backendModel := os.Getenv("BACKEND_MODEL")
	if backendModel == "" {
		backendModel = "gpt-4o-mini"
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	if deepgramKey == "" && elevenKey == "" {
		log.Println("Warning: neither DEEPGRAM_API_KEY nor ELEVENLABS_API_KEY set - speech synthesis disabled")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		log.Println("Warning: REDIS_URL not set - preferences kept in memory only")
	}

	supabaseURL := os.Getenv("SUPABASE_URL")
	supabaseKey := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	if supabaseURL == "" || supabaseKey == "" {
		log.Println("Warning: SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - utterance archiving disabled")
	}
	supabaseBucket := os.Getenv("SUPABASE_BUCKET")
	if supabaseBucket == "" {
		supabaseBucket = "utterances"
	}

	log.Printf("config: HTTP_ADDRESS=%s", addr)
	return Config{
		HTTPAddress:    addr,
		AuthPassword:   os.Getenv("AUTH_PASSWORD"),
		BackendBaseURL: backendURL,
		BackendModel:   backendModel,
		DeepgramKey:    deepgramKey,
		ElevenLabsKey:  elevenKey,
		RedisURL:       redisURL,
		SupabaseURL:    supabaseURL,
		SupabaseKey:    supabaseKey,
		SupabaseBucket: supabaseBucket,
		ICEServersJSON: os.Getenv("ICE_SERVERS_JSON"),
	}
}
