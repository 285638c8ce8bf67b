package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":     "test-service",
				"TOP_K":            "3",
				"TOP_REWARD_SHARE": "0.9",
				"CHALLENGE_TTL":    "2h",
			},
			wantErr: false,
		},
		{
			name: "invalid top k",
			envVars: map[string]string{
				"TOP_K": "0",
			},
			wantErr: true,
		},
		{
			name: "invalid reward share",
			envVars: map[string]string{
				"TOP_REWARD_SHARE": "1.5",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set environment variables
			for key, value := range tt.envVars {
				if err := os.Setenv(key, value); err != nil {
					t.Fatalf("failed to set environment variable %s: %v", key, err)
				}
			}
			defer func() {
				// Clean up environment variables
				for key := range tt.envVars {
					if err := os.Unsetenv(key); err != nil {
						t.Logf("failed to unset environment variable %s: %v", key, err)
					}
				}
			}()

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				// Verify some basic fields
				if cfg.ServiceName == "" {
					t.Error("ServiceName should not be empty")
				}
				if cfg.TopK < 1 {
					t.Error("TopK should be at least 1")
				}
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.TopK != 5 {
		t.Errorf("Expected TopK = 5, got %d", cfg.TopK)
	}

	if cfg.TopRewardShare != 0.8 {
		t.Errorf("Expected TopRewardShare = 0.8, got %f", cfg.TopRewardShare)
	}

	if cfg.EpochInterval != 20*time.Minute {
		t.Errorf("Expected EpochInterval = 20m, got %v", cfg.EpochInterval)
	}

	if cfg.MaxPayloadSize != 1<<20 {
		t.Errorf("Expected MaxPayloadSize = 1MiB, got %d", cfg.MaxPayloadSize)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := &Config{
		ServiceName:    "test",
		TopK:           5,
		TopRewardShare: 0.8,
		ChallengeTTL:   4 * time.Hour,
		EpochInterval:  20 * time.Minute,
		MaxPayloadSize: 1 << 20,
		KafkaBrokers:   []string{"localhost:9092"},
	}

	if err := cfg.validate(); err != nil {
		t.Errorf("validate() should not fail for valid config: %v", err)
	}

	// Test invalid configurations
	invalidConfigs := []*Config{
		{ServiceName: "", TopK: 5, TopRewardShare: 0.8, ChallengeTTL: time.Hour, EpochInterval: time.Minute, MaxPayloadSize: 1024, KafkaBrokers: []string{"localhost:9092"}},
		{ServiceName: "test", TopK: 0, TopRewardShare: 0.8, ChallengeTTL: time.Hour, EpochInterval: time.Minute, MaxPayloadSize: 1024, KafkaBrokers: []string{"localhost:9092"}},
		{ServiceName: "test", TopK: 5, TopRewardShare: 0, ChallengeTTL: time.Hour, EpochInterval: time.Minute, MaxPayloadSize: 1024, KafkaBrokers: []string{"localhost:9092"}},
		{ServiceName: "test", TopK: 5, TopRewardShare: 0.8, ChallengeTTL: 0, EpochInterval: time.Minute, MaxPayloadSize: 1024, KafkaBrokers: []string{"localhost:9092"}},
		{ServiceName: "test", TopK: 5, TopRewardShare: 0.8, ChallengeTTL: time.Hour, EpochInterval: 0, MaxPayloadSize: 1024, KafkaBrokers: []string{"localhost:9092"}},
		{ServiceName: "test", TopK: 5, TopRewardShare: 0.8, ChallengeTTL: time.Hour, EpochInterval: time.Minute, MaxPayloadSize: 0, KafkaBrokers: []string{"localhost:9092"}},
		{ServiceName: "test", TopK: 5, TopRewardShare: 0.8, ChallengeTTL: time.Hour, EpochInterval: time.Minute, MaxPayloadSize: 1024, KafkaBrokers: nil},
	}

	for i, cfg := range invalidConfigs {
		if err := cfg.validate(); err == nil {
			t.Errorf("validate() should fail for invalid config %d", i)
		}
	}
}

func TestGetEnvHelpers(t *testing.T) {
	// Test getEnv
	if err := os.Setenv("TEST_STRING", "test_value"); err != nil {
		t.Fatalf("failed to set TEST_STRING: %v", err)
	}
	defer func() {
		if err := os.Unsetenv("TEST_STRING"); err != nil {
			t.Logf("failed to unset TEST_STRING: %v", err)
		}
	}()

	if got := getEnv("TEST_STRING", "default"); got != "test_value" {
		t.Errorf("getEnv() = %v, want %v", got, "test_value")
	}

	if got := getEnv("NONEXISTENT", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want %v", got, "default")
	}

	// Test getEnvInt
	if err := os.Setenv("TEST_INT", "42"); err != nil {
		t.Fatalf("failed to set TEST_INT: %v", err)
	}
	defer func() {
		if err := os.Unsetenv("TEST_INT"); err != nil {
			t.Logf("failed to unset TEST_INT: %v", err)
		}
	}()

	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want %v", got, 42)
	}

	if got := getEnvInt("NONEXISTENT", 99); got != 99 {
		t.Errorf("getEnvInt() = %v, want %v", got, 99)
	}

	// Test getEnvFloat
	if err := os.Setenv("TEST_FLOAT", "3.14"); err != nil {
		t.Fatalf("failed to set TEST_FLOAT: %v", err)
	}
	defer func() {
		if err := os.Unsetenv("TEST_FLOAT"); err != nil {
			t.Logf("failed to unset TEST_FLOAT: %v", err)
		}
	}()

	if got := getEnvFloat("TEST_FLOAT", 0.0); got != 3.14 {
		t.Errorf("getEnvFloat() = %v, want %v", got, 3.14)
	}

	// Test getEnvDuration
	if err := os.Setenv("TEST_DURATION", "30s"); err != nil {
		t.Fatalf("failed to set TEST_DURATION: %v", err)
	}
	defer func() {
		if err := os.Unsetenv("TEST_DURATION"); err != nil {
			t.Logf("failed to unset TEST_DURATION: %v", err)
		}
	}()

	if got := getEnvDuration("TEST_DURATION", 0); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, want %v", got, 30*time.Second)
	}

	// Test getEnvSlice with comma-separated values
	if err := os.Setenv("TEST_SLICE", "a:9092, b:9092"); err != nil {
		t.Fatalf("failed to set TEST_SLICE: %v", err)
	}
	defer func() {
		if err := os.Unsetenv("TEST_SLICE"); err != nil {
			t.Logf("failed to unset TEST_SLICE: %v", err)
		}
	}()

	got := getEnvSlice("TEST_SLICE", nil)
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("getEnvSlice() = %v, want [a:9092 b:9092]", got)
	}
}
