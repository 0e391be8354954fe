package main

import (
	"os"
	"strconv"
	"strings"
)

type serverConfig struct {
	Port                     string
	NotifyBaseURL            string
	DocsBaseURL              string
	MaxUploadBytes           int64
	UploadRateLimitPerMinute int
}

func loadServerConfig() serverConfig {
	port := strings.TrimSpace(os.Getenv("SERVICE_PORT"))
	if port == "" {
		port = "8084"
	}
	notifyBase := strings.TrimSpace(os.Getenv("NOTIFY_BASE_URL"))
	if notifyBase == "" {
		notifyBase = "http://localhost:8090"
	}
	docsBase := strings.TrimSpace(os.Getenv("DOCS_BASE_URL"))
	if docsBase == "" {
		docsBase = "http://localhost:8091"
	}
	return serverConfig{
		Port:                     port,
		NotifyBaseURL:            notifyBase,
		DocsBaseURL:              docsBase,
		MaxUploadBytes:           envInt64Default("MAX_UPLOAD_BYTES", 10<<20),
		UploadRateLimitPerMinute: envIntDefault("UPLOAD_RATE_LIMIT_PER_MINUTE", 0),
	}
}

func envIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < 0 {
		return 0
	}
	return v
}

func envInt64Default(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	if v <= 0 {
		return def
	}
	return v
}
