package main

import (
	"encoding/json"
	"os"
	"sync"
)

// runConfig is every environment-derived setting the orchestrator reads,
// memoized once at process start so a later os.Setenv by a child process
// can never change what the agent believes its own configuration is.
type runConfig struct {
	runID           string
	apiURL          string
	apiToken        string
	prompt          string
	workingDir      string
	secretValues    map[string]string
	cliAgentType    string
	resumeSessionID string
	apiStartTimeMs  string

	artifactDriver     string
	artifactMountPath  string
	artifactVolumeName string

	useMockClaude bool

	// vercelProtectionBypass and openAIModel are not part of spec.md's
	// explicit env var list but are read by the agent this module was
	// distilled from; carried forward since nothing about them is
	// excluded by a non-goal.
	vercelProtectionBypass string
	openAIModel            string
}

var (
	cfgOnce sync.Once
	cfg     runConfig
)

// loadEnv reads and memoizes every env var the orchestrator consumes.
// Called exactly once, from run().
func loadEnv() *runConfig {
	cfgOnce.Do(func() {
		cfg = runConfig{
			runID:                  os.Getenv("VM0_RUN_ID"),
			apiURL:                 os.Getenv("VM0_API_URL"),
			apiToken:               os.Getenv("VM0_API_TOKEN"),
			prompt:                 os.Getenv("VM0_PROMPT"),
			workingDir:             os.Getenv("VM0_WORKING_DIR"),
			secretValues:           parseSecretValues(os.Getenv("VM0_SECRET_VALUES")),
			cliAgentType:           cliAgentTypeOrDefault(os.Getenv("CLI_AGENT_TYPE")),
			resumeSessionID:        os.Getenv("VM0_RESUME_SESSION_ID"),
			apiStartTimeMs:         os.Getenv("VM0_API_START_TIME"),
			artifactDriver:         os.Getenv("VM0_ARTIFACT_DRIVER"),
			artifactMountPath:      os.Getenv("VM0_ARTIFACT_MOUNT_PATH"),
			artifactVolumeName:     os.Getenv("VM0_ARTIFACT_VOLUME_NAME"),
			useMockClaude:          os.Getenv("USE_MOCK_CLAUDE") == "true",
			vercelProtectionBypass: os.Getenv("VERCEL_PROTECTION_BYPASS"),
			openAIModel:            os.Getenv("OPENAI_MODEL"),
		}
	})
	return &cfg
}

func cliAgentTypeOrDefault(v string) string {
	if v == "" {
		return "claude-code"
	}
	return v
}

// parseSecretValues decodes VM0_SECRET_VALUES, a JSON object of secret
// name to value. An empty or malformed value yields an empty map rather
// than failing the run — secrets are used to mask log output, not to
// gate execution.
func parseSecretValues(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
