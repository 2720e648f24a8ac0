package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	LLMProvider   string
	LLMModel      string
	SummaryModel  string
	LLMAPIKey     string
	ApprovalMode  string
	ToolTimeoutMS int
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("GO_TRACKS_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("GO_TRACKS_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("GO_TRACKS_DB_PATH", filepath.Join(dataDir, "go-tracks.db")),

		LLMProvider:   getEnv("GO_TRACKS_LLM_PROVIDER", "anthropic"),
		LLMModel:      getEnv("GO_TRACKS_LLM_MODEL", ""),
		SummaryModel:  getEnv("GO_TRACKS_SUMMARY_MODEL", "fast"),
		LLMAPIKey:     getEnv("GO_TRACKS_LLM_API_KEY", ""),
		ApprovalMode:  getEnv("GO_TRACKS_APPROVAL_MODE", "approval_required"),
		ToolTimeoutMS: getEnvInt("GO_TRACKS_TOOL_TIMEOUT_MS", 120_000),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
